package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"

	"cargonotes/internal"
	"cargonotes/internal/audit"
	"cargonotes/internal/config"
	"cargonotes/internal/connectors"
	gmailconnector "cargonotes/internal/connectors/gmail"
	imapconnector "cargonotes/internal/connectors/imap"
	"cargonotes/internal/listener"
	"cargonotes/internal/logutil"
	"cargonotes/internal/pipeline"
	"cargonotes/internal/server"
	"cargonotes/internal/storage"
	"cargonotes/internal/util"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger, err := logutil.FromConfig(cfg)
	must(err)

	cmd := os.Args[1]
	if cmd == "notes:parse" {
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		input := fs.String("input", "", ".eml or .html file")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*input) == "" {
			must(fmt.Errorf("--input is required"))
		}
		parser := pipeline.NewParser(util.NewCityNormalizer(cfg.HubCity, cfg.HubPrefix, cfg.DefaultCityPrefix))
		content, notes, err := pipeline.ParseNotesFromFile(parser, *input)
		must(err)
		movement := pipeline.ClassifyMovement(content.Subject, cfg.EntrySubjectKeywords, cfg.ExitSubjectKeywords)
		fmt.Printf("subject=%q movement=%s notes=%d\n", content.Subject, movement, len(notes))
		printJSON(notes)
		return
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailListenerProvider, "gmail|imap")
		label := fs.String("label", cfg.MailListenerLabel, "mailbox/label")
		max := fs.Int("max", 50, "max messages")
		_ = fs.Parse(os.Args[2:])
		conn, err := makeConnector(ctx, cfg, *provider)
		must(err)
		result, err := connectors.NewIngestor(db, cfg.RawMailDir, conn, logger).Ingest(ctx, *label, *max)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d duplicates=%d skipped=%d\n",
			*provider, result.Fetched, result.Stored, result.Duplicates, result.Skipped)
		must(err)
	case "mail:process":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailListenerProvider, "gmail|imap")
		messageID := fs.String("messageId", "", "specific message-id")
		batch := fs.Int("batch", 20, "batch size")
		_ = fs.Parse(os.Args[2:])
		processor := pipeline.NewProcessingService(db, cfg, logger)
		if strings.TrimSpace(*messageID) != "" {
			res, err := processor.ProcessByProviderMessageID(ctx, *provider, *messageID)
			printOutcomes(res)
			must(err)
			return
		}
		results, err := processor.ProcessPending(ctx, *batch, *provider)
		for _, res := range results {
			printOutcomes(res)
		}
		fmt.Printf("processed pending emails=%d\n", len(results))
		must(err)
	case "mail:listen":
		s := listener.NewService(db, cfg, logger)
		must(s.Run(ctx))
	case "notes:show":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "dispatch note number (NN...)")
		_ = fs.Parse(os.Args[2:])
		note, err := db.GetNote(ctx, strings.ToUpper(strings.TrimSpace(*id)))
		must(err)
		if note == nil {
			must(fmt.Errorf("note not found: %s", *id))
		}
		printJSON(note)
	case "notes:export":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		status := fs.String("status", "", "RECEIVED|DELIVERED_NO_RECEIPT|COMPLETE|DIVERGENT (default all)")
		out := fs.String("out", filepath.Join(cfg.OutputDir, "notes.xlsx"), "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		var notes []internal.DispatchNote
		if s := strings.ToUpper(strings.TrimSpace(*status)); s != "" {
			notes, err = db.ListNotesByStatus(ctx, internal.NoteStatus(s))
		} else {
			notes, err = db.ListNotes(ctx)
		}
		must(err)
		must(pipeline.ExportNotesToXLSX(notes, *out))
		fmt.Printf("exported %d notes to %s\n", len(notes), *out)
	case "audit:pdf":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		postal := fs.String("postal", "", "Postal carrier pdf")
		postalMonth := fs.String("postal-month", "", "Postal billing period")
		postalPrice := fs.Float64("postal-price", cfg.PostalRate, "Postal unit rate")
		densa := fs.String("densa", "", "Densa carrier pdf")
		densaMonth := fs.String("densa-month", "", "Densa billing period")
		densaPrice := fs.Float64("densa-price", cfg.DensaRate, "Densa unit rate")
		out := fs.String("out", "", "optional report xlsx path")
		_ = fs.Parse(os.Args[2:])

		files := []internal.CarrierFile{}
		for _, f := range []struct {
			label, path, month string
			rate               float64
		}{
			{audit.CarrierPostal, *postal, *postalMonth, *postalPrice},
			{audit.CarrierDensa, *densa, *densaMonth, *densaPrice},
		} {
			if strings.TrimSpace(f.path) == "" {
				continue
			}
			blob, err := os.ReadFile(f.path)
			must(err)
			carrier, err := audit.LoadCarrierFile(f.label, blob, f.month, f.rate)
			must(err)
			files = append(files, carrier)
		}
		report, err := audit.NewService(db, logger).Run(ctx, files)
		must(err)
		printJSON(report)
		if strings.TrimSpace(*out) != "" {
			must(audit.ExportReportToXLSX(report, *out))
			fmt.Printf("report written to %s\n", *out)
		}
	case "serve":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		addr := fs.String("addr", cfg.HTTPAddr, "listen address")
		_ = fs.Parse(os.Args[2:])
		must(cfg.Require("CRON_SECRET", cfg.CronSecret))
		if !strings.EqualFold(cfg.LogLevel, "debug") {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := server.New(cfg, db, listener.NewService(db, cfg, logger), audit.NewService(db, logger), logger)
		must(srv.Run(ctx, *addr))
	default:
		usage()
		os.Exit(1)
	}
}

func makeConnector(ctx context.Context, cfg config.Config, provider string) (connectors.MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(ctx, cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func printOutcomes(res pipeline.ProcessResult) {
	fmt.Printf("email id=%d movement=%s status=%s notes=%d\n", res.EmailID, res.Movement, res.Status, len(res.Outcomes))
	for _, o := range res.Outcomes {
		fmt.Printf("  %s %s\n", o.NoteID, o.Status)
	}
}

func printJSON(v any) {
	blob, err := json.MarshalIndent(v, "", "  ")
	must(err)
	fmt.Println(string(blob))
}

func usage() {
	fmt.Println("usage: cargonotes <command>")
	fmt.Println("commands:")
	fmt.Println("  mail:fetch --provider=gmail|imap --label=ROBO_TIM --max=50")
	fmt.Println("  mail:process --provider=gmail|imap [--messageId=...] [--batch=20]")
	fmt.Println("  mail:listen")
	fmt.Println("  notes:parse --input=message.eml|body.html")
	fmt.Println("  notes:show --id=NN123")
	fmt.Println("  notes:export [--status=DIVERGENT] [--out=./out/notes.xlsx]")
	fmt.Println("  audit:pdf --postal=a.pdf --postal-month=2026-01 [--densa=b.pdf --densa-month=2026-01] [--out=report.xlsx]")
	fmt.Println("  serve [--addr=:8080]")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
