package main

import (
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"github.com/pulsecrm/engine/internal/infrastructure/database"
)

// wipe_db drops every wf_ table. The engine shares its database with the
// CRM backend, so only engine-owned tables are touched.
func main() {
	paths := []string{"../.env", ".env", "../../.env"}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			log.Printf("Loaded .env from %s", p)
			break
		}
	}

	conn, err := database.GetInstance()
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	db := conn.DB()
	defer conn.Close()

	log.Println("⚠️  Wiping engine tables...")

	if _, err := db.Exec("SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		log.Fatalf("failed to disable foreign key checks: %v", err)
	}

	rows, err := db.Query("SHOW TABLES LIKE 'wf\\_%'")
	if err != nil {
		log.Fatalf("failed to list tables: %v", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			log.Fatalf("failed to scan table: %v", err)
		}
		tables = append(tables, table)
	}

	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
			log.Printf("Failed to drop table %s: %v", table, err)
		} else {
			log.Printf("Dropped table: %s", table)
		}
	}

	if _, err := db.Exec("SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		log.Fatalf("failed to enable foreign key checks: %v", err)
	}

	log.Println("✅ Engine tables wiped.")
}
