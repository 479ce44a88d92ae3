package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// verify_schema checks that a tradebridge database carries every table the
// service expects. Run it against a copy before upgrading in place.
//
// Usage:
//   go run ./scripts/verify_schema [path/to/tradebridge.db]

var requiredTables = []string{
	"accounts",
	"mt5_accounts",
	"ctrader_accounts",
	"position_protection",
	"sync_journal",
}

func main() {
	dbPath := "./data/tradebridge.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range requiredTables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		switch {
		case err == sql.ErrNoRows:
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
		case err != nil:
			log.Fatalf("Query failed: %v", err)
		default:
			fmt.Printf("✓ %s table exists\n", table)
		}
	}

	if missing > 0 {
		os.Exit(1)
	}
	fmt.Println("Schema OK")
}
