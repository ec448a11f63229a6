package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"pbmail/internal/blobstorage"
	"pbmail/internal/conf"
	"pbmail/internal/imapd"
	"pbmail/internal/notify"
	"pbmail/internal/process"
	"pbmail/internal/relay"
	"pbmail/internal/smtpd"
	"pbmail/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Secrets usually live in .env next to the binary; a missing file is fine.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded, using process environment")
	}

	log.Println("Starting pbmail SMTP/IMAP server...")

	var cfg *conf.Config
	var err error
	if *configPath != "" {
		cfg, err = conf.LoadConfigFile(*configPath)
	} else {
		cfg, err = conf.LoadConfig()
	}
	if err != nil {
		log.Printf("Warning: Failed to load config: %v", err)
		log.Println("Falling back to default configuration")
		cfg = conf.DefaultConfig()
	}

	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	log.Printf("Database initialized: %s", cfg.DBPath)

	if cfg.BlobStorage.Enabled {
		log.Println("Initializing S3 blob storage...")
		blobs, err := blobstorage.NewS3BlobStorage(cfg.BlobStorage)
		if err != nil {
			log.Printf("Warning: Failed to initialize S3 blob storage: %v", err)
			log.Println("Falling back to local SQLite storage")
		} else {
			store.SetBlobStore(blobs)
			log.Printf("S3 blob storage initialized: %s (bucket: %s)",
				cfg.BlobStorage.Endpoint, cfg.BlobStorage.Bucket)
		}
	} else {
		log.Println("S3 blob storage is disabled in config, using local SQLite storage")
	}

	mailer := relay.NewMailer(cfg.Relay.Smarthost, store)

	var notifier notify.Notifier
	if webhook := notify.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Secret); webhook != nil {
		notifier = webhook
		log.Printf("Webhook notifications enabled: %s", cfg.Webhook.URL)
	}

	handler := process.NewHandler(store, mailer, notifier)

	smtpServer := smtpd.NewServer(store, handler,
		cfg.Smtp.Hostname, cfg.Smtp.AuthMethods, cfg.Smtp.RecipientLimit)
	imapServer := imapd.NewServer(store)

	smtpAddr := fmt.Sprintf("%s:%d", cfg.Smtp.Listen.Host, cfg.Smtp.Listen.Port)
	imapAddr := fmt.Sprintf("%s:%d", cfg.Imap.Listen.Host, cfg.Imap.Listen.Port)

	var group errgroup.Group
	group.Go(func() error {
		return smtpServer.ListenAndServe(smtpAddr)
	})
	group.Go(func() error {
		return imapServer.ListenAndServe(imapAddr)
	})

	if err := group.Wait(); err != nil {
		log.Fatal("Server error:", err)
	}
}
