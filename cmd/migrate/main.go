// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/store"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// The Store's constructor opens the GORM connection and takes the event
	// bus its mutations publish to; migrations publish nothing, so a fresh
	// unused Bus is passed here.
	st, err := store.New(&cfg.Database, eventbus.New())
	if err != nil {
		fmt.Printf("Error connecting to database: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Starting database migration...")
	fmt.Printf("Database: %s\n", cfg.Database.GetDSN())

	if err := st.AutoMigrate(); err != nil {
		fmt.Printf("Migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Database migration completed successfully.")

	if err := st.ValidateSchema(); err != nil {
		fmt.Printf("Warning: schema validation failed after migration: %v\n", err)
		fmt.Println("This might indicate a problem with the migration or model definitions.")
		os.Exit(1)
	}

	fmt.Println("Schema validation passed - database is ready to use.")
}
