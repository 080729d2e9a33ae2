package main

import (
	"context"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/VertNet/usagestats/api"
	"github.com/VertNet/usagestats/carto"
	"github.com/VertNet/usagestats/config"
	"github.com/VertNet/usagestats/geocoder"
	"github.com/VertNet/usagestats/github"
	"github.com/VertNet/usagestats/mailer"
	"github.com/VertNet/usagestats/metrics"
	"github.com/VertNet/usagestats/pipeline"
	"github.com/VertNet/usagestats/queue"
	"github.com/VertNet/usagestats/store"
)

func main() {
	cfg := config.Load()

	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal("MongoDB connection error:", err)
	}

	// Test connection
	err = client.Ping(context.Background(), nil)
	if err != nil {
		log.Fatal("MongoDB ping error:", err)
	}
	log.Println("Connected to MongoDB successfully")

	db := client.Database(cfg.MongoDB)
	st := store.New(db)

	log.Printf("Connecting to NATS at %s", cfg.NATSUrl)
	nc, err := nats.Connect(cfg.NATSUrl,
		nats.Name("usagestats"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("NATS connection lost: %v", err)
		}),
	)
	if err != nil {
		log.Fatal("Failed to connect to NATS:", err)
	}
	defer nc.Close()

	q, err := queue.New(nc)
	if err != nil {
		log.Fatal("Failed to set up task queue:", err)
	}

	ca := carto.NewClient(cfg.CartoURL, cfg.CartoAPIKey, cfg.MaxRetries, cfg.RetryDelay)
	geo := geocoder.New(cfg.GeonamesURL, cfg.GeonamesUser, st.GeoCache())
	gh := github.NewClient(cfg.GitHubURL, cfg.GitHubToken, cfg.GitHubUserAgent,
		github.Committer{Name: cfg.CommitterName, Email: cfg.CommitterEmail})
	ml := mailer.New(cfg.SMTPAddr, cfg.EmailSender)

	pl := pipeline.New(cfg, st, ca, geo, gh, ml, q)

	metrics.Init("usagestats", pipeline.Version, "production")

	if _, err := q.Subscribe(pl.Run); err != nil {
		log.Fatal("Failed to subscribe to task queue:", err)
	}
	log.Println("Pipeline worker started")

	log.Println("Starting the usage stats service")
	api.StartServer(cfg, st, ca, gh, ml, pl)
}
