// Command migrate applies the SQL schema to the configured Postgres
// database. It uses the lib/pq driver, keeping the migration tool's driver
// independent from the engine's pgx-backed store.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	dbURL := flag.String("db", "", "database URL (defaults to DB_USER/DB_PASSWORD from .env against localhost)")
	migrationFile := flag.String("file", "migrations/schema.sql", "migration SQL file to run")
	flag.Parse()

	url := *dbURL
	if url == "" {
		_ = godotenv.Load()
		user := os.Getenv("DB_USER")
		pass := os.Getenv("DB_PASSWORD")
		if user == "" || pass == "" {
			fmt.Fprintln(os.Stderr, "Usage: migrate -file <path-to-sql-file> [-db <url>]")
			fmt.Fprintln(os.Stderr, "       (or provide DB_USER and DB_PASSWORD via .env)")
			os.Exit(1)
		}
		url = fmt.Sprintf("postgres://%s:%s@localhost:5432/bunny_order?sslmode=disable", user, pass)
	}

	sqlBytes, err := os.ReadFile(*migrationFile)
	if err != nil {
		log.Fatalf("failed to read migration file: %v", err)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	fmt.Println("Connected to database")
	fmt.Printf("Running migration: %s\n", filepath.Base(*migrationFile))

	if _, err := db.Exec(string(sqlBytes)); err != nil {
		log.Fatalf("failed to execute migration: %v", err)
	}

	fmt.Println("Migration applied successfully")
}
