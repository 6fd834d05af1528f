package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/open-data/recombinant/recombinant/auth"
	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/services"
	"github.com/open-data/recombinant/recombinant/sqlstore"
)

type config struct {
	definitions []string
	dsn         string
	jwtSecret   string
	port        int
}

func loadConfig() config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Panicf("error loading .env file: %v", err)
	}

	var c config
	var defs string
	flag.StringVar(&defs, "definitions", os.Getenv("RECOMBINANT_DEFINITIONS"),
		"comma separated dataset definition documents")
	flag.StringVar(&c.dsn, "dsn", os.Getenv("RECOMBINANT_DSN"),
		"postgres dsn, or a sqlite path when empty")
	flag.IntVar(&c.port, "port", envInt("RECOMBINANT_PORT", 8080), "listen port")
	flag.Parse()

	c.jwtSecret = os.Getenv("RECOMBINANT_JWT_SECRET")
	if c.jwtSecret == "" {
		log.Panic("RECOMBINANT_JWT_SECRET must be set")
	}
	for _, doc := range strings.Split(defs, ",") {
		if doc = strings.TrimSpace(doc); doc != "" {
			c.definitions = append(c.definitions, doc)
		}
	}
	if len(c.definitions) == 0 {
		log.Panic("at least one definition document is required")
	}
	return c
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Panicf("invalid %v: %v", key, err)
		}
		return n
	}
	return fallback
}

func initDb(dsn string) *gorm.DB {
	var dialector gorm.Dialector
	if dsn == "" {
		dialector = sqlite.Open("recombinant.db")
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Panicf("error opening database connection: %v", err)
	}
	return db
}

func main() {
	c := loadConfig()

	model, err := schema.Load(c.definitions)
	if err != nil {
		log.Panicf("error loading definitions: %v", err)
	}
	slog.Info("definitions loaded", "dataset_types", model.DatasetTypes())

	store, err := sqlstore.Open(initDb(c.dsn))
	if err != nil {
		log.Panicf("error initializing store: %v", err)
	}
	sqlstore.RegisterModelTriggers(store, model)

	userAuth := auth.NewJwtManager([]byte(c.jwtSecret))
	service := services.New(model, store, store, userAuth)

	r := chi.NewRouter()
	r.Mount("/api/v1", service.Routes())

	slog.Info("starting server", "port", c.port)
	err = http.ListenAndServe(fmt.Sprintf(":%v", c.port), r)
	if err != nil {
		log.Fatal(err.Error())
	}
}
