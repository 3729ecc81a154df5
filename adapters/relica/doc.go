// Package relica provides a durable topicbus.Broker on top of a SQL database,
// using the Relica query builder (github.com/coregx/relica).
//
// Messages are stored once per publish and fanned out into one delivery row per
// subscription. Receivers poll for visible, unlocked deliveries and claim them
// with a lock token; settlement deletes, releases or dead-letters the row.
// MySQL, PostgreSQL and SQLite are supported.
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/topicbus"
//	    "github.com/coregx/topicbus/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/topicbus?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := relica.Migrate(ctx, db, "mysql", ""); err != nil {
//	    log.Fatal(err)
//	}
//
//	broker, err := relica.New(db, "mysql", relica.WithLockDuration(time.Minute))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bus, err := topicbus.New(cfg, topicbus.WithBroker(broker))
package relica
