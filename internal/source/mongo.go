package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
)

const (
	defaultMongoPort = 27017

	// sampleLimit bounds field discovery; collections are not scanned
	// fully just to learn their shape.
	sampleLimit = 100

	// DocumentColumn collects every nested or unrecognised field as JSON.
	DocumentColumn = "_document"

	// IDColumn is the document identity, replicated as text.
	IDColumn = "_id"
)

// mongoConn adapts a MongoDB database. There is no SQL surface: Dialect is
// nil and ExecuteQuery fails. The reader recognises the type and switches
// to document paging over _id.
type mongoConn struct {
	client *mongo.Client
	db     string
	logger zerolog.Logger
}

func openMongo(ctx context.Context, connString string, logger zerolog.Logger) (Conn, error) {
	p, err := ParseConnString(connString, defaultMongoPort)
	if err != nil {
		return nil, fmt.Errorf("mongodb connection string: %w", err)
	}

	u := url.URL{
		Scheme: "mongodb",
		User:   url.UserPassword(p.User, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	client, err := mongo.Connect(options.Client().ApplyURI(u.String()).SetRetryReads(true))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	c := &mongoConn{
		client: client,
		db:     p.Database,
		logger: logger.With().Str("component", "source-mongodb").Logger(),
	}
	if err := c.TestConnection(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *mongoConn) TestConnection(ctx context.Context) error {
	if err := c.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

func (c *mongoConn) ExecuteQuery(context.Context, string, ...any) ([][]string, error) {
	return nil, errors.New("mongodb source has no SQL surface")
}

func (c *mongoConn) ExecuteStatement(context.Context, string, ...any) (int64, error) {
	return 0, errors.New("mongodb source has no SQL surface")
}

func (c *mongoConn) Dialect() Dialect { return nil }

func (c *mongoConn) Close() error {
	return c.client.Disconnect(context.Background())
}

// database resolves the target database: the catalog schema name when set,
// otherwise the connection string database.
func (c *mongoConn) database(schema string) string {
	if schema != "" {
		return schema
	}
	return c.db
}

// DiscoverSchema samples up to sampleLimit documents and projects every
// scalar top-level field into a column; everything else collapses into the
// reserved _document JSON column. _id always leads.
func (c *mongoConn) DiscoverSchema(ctx context.Context, schema, collection string) ([]Column, error) {
	coll := c.collection(schema, collection)

	cur, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(sampleLimit))
	if err != nil {
		return nil, fmt.Errorf("sample %s.%s: %w", c.database(schema), collection, err)
	}
	defer cur.Close(ctx)

	types := map[string]string{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode sample document: %w", err)
		}
		for field, val := range doc {
			if field == IDColumn {
				continue
			}
			t, scalar := scalarType(val)
			if !scalar {
				continue
			}
			// A field seen with conflicting scalar types degrades to text.
			if prev, ok := types[field]; ok && prev != t {
				types[field] = "text"
				continue
			}
			types[field] = t
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("sample cursor: %w", err)
	}

	fields := make([]string, 0, len(types))
	for f := range types {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	cols := []Column{{Name: IDColumn, Type: "text", PrimaryKey: true}}
	for _, f := range fields {
		cols = append(cols, Column{Name: f, Type: types[f], Nullable: true})
	}
	cols = append(cols, Column{Name: DocumentColumn, Type: "jsonb", Nullable: true})
	return cols, nil
}

func (c *mongoConn) PrimaryKeyColumns(context.Context, string, string) ([]string, error) {
	return []string{IDColumn}, nil
}

// Count returns the collection document count.
func (c *mongoConn) Count(ctx context.Context, schema, collection string) (int64, error) {
	n, err := c.collection(schema, collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", c.database(schema), collection, err)
	}
	return n, nil
}

// FetchPage returns up to limit documents with _id greater than afterID,
// ordered by _id, projected onto the given column set.
func (c *mongoConn) FetchPage(ctx context.Context, schema, collection string, cols []Column, afterID string, limit int) ([][]string, error) {
	filter := bson.D{}
	if afterID != "" {
		filter = bson.D{{Key: IDColumn, Value: bson.D{{Key: "$gt", Value: idFilterValue(afterID)}}}}
	}

	cur, err := c.collection(schema, collection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: IDColumn, Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("page %s.%s: %w", c.database(schema), collection, err)
	}
	defer cur.Close(ctx)

	var out [][]string
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, projectDocument(doc, cols))
	}
	return out, cur.Err()
}

func (c *mongoConn) collection(schema, collection string) *mongo.Collection {
	db := c.client.Database(c.database(schema),
		options.Database().SetReadConcern(readconcern.Majority()))
	return db.Collection(collection)
}

// projectDocument renders one document as a row in column order. Fields not
// covered by a scalar column land in _document as JSON.
func projectDocument(doc bson.M, cols []Column) []string {
	covered := map[string]bool{IDColumn: true, DocumentColumn: true}
	row := make([]string, len(cols))
	for i, col := range cols {
		switch col.Name {
		case IDColumn:
			row[i] = idString(doc[IDColumn])
		case DocumentColumn:
			rest := bson.M{}
			for field, val := range doc {
				if !covered[field] {
					if _, scalar := scalarType(val); !scalar {
						rest[field] = val
					}
				}
			}
			if len(rest) == 0 {
				row[i] = NullSentinel
				break
			}
			data, err := json.Marshal(rest)
			if err != nil {
				row[i] = NullSentinel
				break
			}
			row[i] = truncateCell(string(data))
		default:
			covered[col.Name] = true
			val, ok := doc[col.Name]
			if !ok || val == nil {
				row[i] = NullSentinel
				break
			}
			if _, scalar := scalarType(val); !scalar {
				row[i] = NullSentinel
				break
			}
			row[i] = truncateCell(scalarString(val))
		}
	}
	return row
}

func idString(v any) string {
	switch id := v.(type) {
	case bson.ObjectID:
		return id.Hex()
	case string:
		return id
	case nil:
		return NullSentinel
	}
	return scalarString(v)
}

// idFilterValue maps a cursor string back to an _id filter value,
// preferring ObjectID when the string is a valid hex id.
func idFilterValue(s string) any {
	if oid, err := bson.ObjectIDFromHex(s); err == nil {
		return oid
	}
	return s
}

func scalarType(v any) (string, bool) {
	switch v.(type) {
	case string:
		return "text", true
	case int32, int64, int:
		return "bigint", true
	case float64, float32:
		return "double precision", true
	case bool:
		return "boolean", true
	case bson.DateTime:
		return "timestamp", true
	case bson.ObjectID:
		return "text", true
	}
	return "", false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case bson.DateTime:
		return t.Time().UTC().Format(time.DateTime)
	case bson.ObjectID:
		return t.Hex()
	}
	return fmt.Sprintf("%v", v)
}
