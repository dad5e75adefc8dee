// Package history provides a write-only channel that journals every
// publication to a local SQLite database.
//
//	ConnectionHistory:
//	  Class: history
//	  Name: journal
//	  Path: /var/lib/sensor_reporter/history.db
//	  Retention: 168
//
// Retention is in hours; rows older than that are removed when the channel
// connects. Zero keeps everything. The journal is never read back into
// devices.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/database"
	"github.com/nerrad567/sensor-reporter/internal/routing"
	"github.com/nerrad567/sensor-reporter/migrations"
)

// Class is the configuration Class of this channel.
const Class = "history"

// timeLayout is fixed width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const (
	openTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Second
)

func init() {
	connection.Register(Class, New)
}

// Channel is the history channel.
type Channel struct {
	*connection.Base
	log connection.Logger
	db  *database.DB
}

var now = time.Now

// New opens the journal, applies pending migrations and prunes expired rows.
func New(env connection.Env, section config.Section) (connection.Channel, error) {
	name, err := section.String("Name")
	if err != nil {
		return nil, err
	}
	path, err := section.String("Path")
	if err != nil {
		return nil, err
	}
	retention, err := section.FloatOr("Retention", 0)
	if err != nil {
		return nil, err
	}
	if retention < 0 {
		return nil, fmt.Errorf("%w: Retention must not be negative", config.ErrInvalidOption)
	}

	c := &Channel{log: env.Log()}
	c.Base = connection.NewBase(name, c.log)
	c.Connecting()

	db, err := database.Open(database.Config{Path: path, WALMode: true})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, err
	}
	c.db = db

	if retention > 0 {
		keep := time.Duration(retention * float64(time.Hour))
		removed, err := c.prune(ctx, keep)
		if err != nil {
			c.log.Warn("pruning history failed", "error", err)
		} else if removed > 0 {
			c.log.Info("pruned history", "rows", removed, "older_than", keep)
		}
	}

	c.log.Info("history journal open", "path", path)
	c.Online(nil)
	return c, nil
}

// prune deletes rows published before now-keep and returns how many went.
func (c *Channel) prune(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := now().Add(-keep).UTC().Format(timeLayout)
	res, err := c.db.ExecContext(ctx, "DELETE FROM publications WHERE published_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Publish appends one row per state destination.
func (c *Channel) Publish(p connection.Publication) {
	if !c.Admit(p) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	at := now().UTC().Format(timeLayout)
	for _, dest := range p.Endpoint.StateDests {
		_, err := c.db.ExecContext(ctx,
			"INSERT INTO publications (published_at, device, slot, destination, value) VALUES (?, ?, ?, ?, ?)",
			at, p.Endpoint.Device, p.Endpoint.Slot, dest, p.Value)
		if err != nil {
			c.log.Error("writing history failed", "destination", dest, "error", err)
		}
	}
}

// Register is a no-op: the journal does not send commands.
func (c *Channel) Register(sub routing.Subscription, _ connection.Handler) {
	c.log.Warn("history channel does not accept commands", "source", sub.Source, "device", sub.Endpoint.Device)
}

// Disconnect closes the database.
func (c *Channel) Disconnect() {
	c.Offline()
	if err := c.db.Close(); err != nil {
		c.log.Error("closing history database", "error", err)
	}
}
