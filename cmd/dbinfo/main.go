// Command dbinfo reports the schema version and row counts of a goatsms
// database, without requiring the encryption key (message content is
// opaque at this layer; only counts and the schema_version table are
// read).
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var dbname, driver string
	flag.StringVar(&dbname, "d", "goatsms.sqlite", "path to database")
	flag.StringVar(&driver, "t", "sqlite3", "database type")
	flag.Parse()

	db, err := sql.Open(driver, dbname)
	if err != nil {
		fmt.Println("opening database returned error:", err)
		os.Exit(1)
	}
	defer db.Close()

	var version string
	row := db.QueryRow("SELECT version FROM schema_version ORDER BY rowid DESC LIMIT 1")
	if err := row.Scan(&version); err != nil {
		fmt.Println("reading schema version returned error:", err)
		os.Exit(1)
	}
	fmt.Printf("database '%s' schema '%s'\n", dbname, version)

	for _, table := range []string{"messages", "delivery_reports", "send_failures"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			fmt.Printf("counting %s returned error: %v\n", table, err)
			continue
		}
		fmt.Printf("%-20s %d rows\n", table, count)
	}

	var outgoing, incoming int
	db.QueryRow("SELECT COUNT(*) FROM messages WHERE is_outgoing = 1").Scan(&outgoing)
	db.QueryRow("SELECT COUNT(*) FROM messages WHERE is_outgoing = 0").Scan(&incoming)
	fmt.Printf("  outgoing: %d, incoming: %d\n", outgoing, incoming)
}
