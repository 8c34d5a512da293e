// Package mongo implements the Pulse connector contract for MongoDB.
//
// MongoDB has no SQL dialect, so query resolution differs from the
// relational connectors: a raw query carries an extended-JSON find
// document (collection, filter, limit, sort) instead of a statement, and
// table-info requests are answered by sampling documents from the
// collection. Positional parameter binding and mixed operation batches
// have no Mongo equivalent and are rejected as configuration errors.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/metronome-io/metronome/internal/pulse"
)

const defaultConnectTimeout = 30 * time.Second

// Compile-time assertion: the mongo connector reads and writes.
var _ pulse.ReadWritePulse = (*Connector)(nil)

// findSpec is the shape a raw query document resolves into.
type findSpec struct {
	Collection string   `bson:"collection"`
	Filter     bson.M   `bson:"filter"`
	Limit      int64    `bson:"limit"`
	Sort       bson.D   `bson:"sort"`
	Projection []string `bson:"projection"`
}

// Connector is a MongoDB-backed ReadWritePulse. Construct with New.
type Connector struct {
	profile pulse.ConnectionProfile
	logger  *slog.Logger

	mu     sync.Mutex
	client *mongo.Client
}

// New returns a disconnected MongoDB connector for the given profile.
func New(profile pulse.ConnectionProfile, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Connector{profile: profile, logger: logger}
}

// NewFactory adapts New to the registry factory signature.
func NewFactory(logger *slog.Logger) pulse.Factory {
	return func(profile pulse.ConnectionProfile) (pulse.Pulse, error) {
		return New(profile, logger), nil
	}
}

// Connect establishes the client and verifies reachability with a ping.
// On failure the client is torn down again; no partial state is kept.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(c.uri()))
	if err != nil {
		return fmt.Errorf("%w: connect: %v", pulse.ErrConnector, err)
	}

	timeout := c.profile.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())

		return fmt.Errorf("%w: ping %s/%s: %v",
			pulse.ErrConnector, c.profile.Host, c.profile.Database, err)
	}

	c.client = client
	c.logger.Debug("mongo connector connected",
		slog.String("host", c.profile.Host),
		slog.String("database", c.profile.Database),
	)

	return nil
}

// Close disconnects the client. Safe to call repeatedly.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Disconnect(context.Background())
	c.client = nil

	if err != nil {
		return fmt.Errorf("%w: disconnect: %v", pulse.ErrConnector, err)
	}

	return nil
}

// IsConnected reports whether the connector holds a live client.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client != nil
}

// Query implements pulse.Readable.
func (c *Connector) Query(ctx context.Context, spec pulse.QuerySpec) ([]pulse.Row, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	client, err := c.handle()
	if err != nil {
		return nil, err
	}

	switch q := spec.(type) {
	case pulse.RawQuery:
		return c.find(ctx, client, q.SQL)
	case pulse.CustomQuery:
		if q.Timeout > 0 {
			var cancel context.CancelFunc

			ctx, cancel = context.WithTimeout(ctx, q.Timeout)
			defer cancel()
		}

		return c.find(ctx, client, q.SQL)
	case pulse.TableInfoQuery:
		return c.sampleSchema(ctx, client, q.Table)
	case pulse.ParameterizedQuery:
		return nil, fmt.Errorf("%w: mongo connector does not support positional parameters", pulse.ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unsupported query spec %T", pulse.ErrValidation, spec)
	}
}

// Write implements pulse.Writable. Inserts and keyed replaces are
// supported; mixed operation batches are not expressible against Mongo.
func (c *Connector) Write(ctx context.Context, rows []pulse.Row, destination string, spec pulse.WriteSpec) error {
	if spec == nil {
		spec = pulse.InsertSpec{}
	}

	if err := spec.Validate(); err != nil {
		return err
	}

	client, err := c.handle()
	if err != nil {
		return err
	}

	switch w := spec.(type) {
	case pulse.InsertSpec:
		return c.insert(ctx, client, rows, destination)
	case pulse.ReplaceSpec:
		return c.replace(ctx, client, rows, destination, w)
	case pulse.OperationBatchSpec:
		return fmt.Errorf("%w: mongo connector does not support operation batches", pulse.ErrValidation)
	default:
		return fmt.Errorf("%w: unsupported write spec %T", pulse.ErrValidation, spec)
	}
}

func (c *Connector) handle() (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, pulse.ErrNotConnected
	}

	return c.client, nil
}

func (c *Connector) uri() string {
	if uri, ok := c.profile.Options["uri"]; ok && uri != "" {
		return uri
	}

	port := c.profile.Port
	if port <= 0 {
		port = 27017
	}

	if c.profile.User != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d", c.profile.User, c.profile.Password, c.profile.Host, port)
	}

	return fmt.Sprintf("mongodb://%s:%d", c.profile.Host, port)
}

func (c *Connector) find(ctx context.Context, client *mongo.Client, rawSpec string) ([]pulse.Row, error) {
	var spec findSpec

	if err := bson.UnmarshalExtJSON([]byte(rawSpec), false, &spec); err != nil {
		return nil, fmt.Errorf("%w: parsing find document: %v", pulse.ErrValidation, err)
	}

	if spec.Collection == "" {
		return nil, fmt.Errorf("%w: find document requires a collection", pulse.ErrValidation)
	}

	opts := options.Find()
	if spec.Limit > 0 {
		opts.SetLimit(spec.Limit)
	}

	if len(spec.Sort) > 0 {
		opts.SetSort(spec.Sort)
	}

	filter := spec.Filter
	if filter == nil {
		filter = bson.M{}
	}

	cursor, err := client.Database(c.profile.Database).Collection(spec.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find on %s: %w", spec.Collection, err)
	}

	defer func() {
		_ = cursor.Close(ctx)
	}()

	var docs []bson.M

	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("reading cursor for %s: %w", spec.Collection, err)
	}

	rows := make([]pulse.Row, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, pulse.Row(doc))
	}

	return rows, nil
}

// sampleSchema answers a table-info request by inspecting a sample
// document. Mongo has no catalog, so field names and Go-side value types
// stand in for column metadata.
func (c *Connector) sampleSchema(ctx context.Context, client *mongo.Client, collection string) ([]pulse.Row, error) {
	var doc bson.M

	err := client.Database(c.profile.Database).Collection(collection).
		FindOne(ctx, bson.M{}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}

		return nil, fmt.Errorf("sampling %s: %w", collection, err)
	}

	rows := make([]pulse.Row, 0, len(doc))
	for field, value := range doc {
		rows = append(rows, pulse.Row{
			"column_name": field,
			"data_type":   fmt.Sprintf("%T", value),
		})
	}

	return rows, nil
}

func (c *Connector) insert(ctx context.Context, client *mongo.Client, rows []pulse.Row, destination string) error {
	if len(rows) == 0 {
		return nil
	}

	docs := make([]any, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, bson.M(row))
	}

	if _, err := client.Database(c.profile.Database).Collection(destination).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert into %s: %w", destination, err)
	}

	return nil
}

// replace deletes documents matching the key columns of the incoming rows
// and inserts the replacements, chunk by chunk.
func (c *Connector) replace(ctx context.Context, client *mongo.Client, rows []pulse.Row, destination string, spec pulse.ReplaceSpec) error {
	if len(rows) == 0 {
		return nil
	}

	coll := client.Database(c.profile.Database).Collection(destination)

	for start := 0; start < len(rows); start += spec.ChunkSize {
		end := start + spec.ChunkSize
		if end > len(rows) {
			end = len(rows)
		}

		chunk := rows[start:end]

		keys := make([]bson.M, 0, len(chunk))

		for _, row := range chunk {
			key := make(bson.M, len(spec.KeyColumns))
			for _, col := range spec.KeyColumns {
				key[col] = row[col]
			}

			keys = append(keys, key)
		}

		if _, err := coll.DeleteMany(ctx, bson.M{"$or": keys}); err != nil {
			return fmt.Errorf("replace delete on %s: %w", destination, err)
		}

		docs := make([]any, 0, len(chunk))
		for _, row := range chunk {
			docs = append(docs, bson.M(row))
		}

		if _, err := coll.InsertMany(ctx, docs); err != nil {
			return fmt.Errorf("replace insert on %s: %w", destination, err)
		}
	}

	return nil
}
