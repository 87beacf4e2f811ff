package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// ResultsStore persists harvested tweets in a MongoDB collection and
// serves the coverage queries the planner runs before crawling.
type ResultsStore struct {
	client       *driver.Client
	collection   *driver.Collection
	logger       arbor.ILogger
	queryTimeout time.Duration
}

var _ interfaces.ResultsStore = (*ResultsStore)(nil)

// NewResultsStore connects to MongoDB and binds the configured
// database and collection. The connection is verified with a ping.
func NewResultsStore(ctx context.Context, logger arbor.ILogger, config *common.DatabaseConfig) (*ResultsStore, error) {
	connectTimeout := common.ParseDurationOr(config.ConnectTimeout, 10*time.Second)
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := driver.Connect(dialCtx, options.Client().ApplyURI(config.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb database %s: %w", config.Name, err)
	}

	logger.Debug().
		Str("database", config.Name).
		Str("collection", config.Collection).
		Msg("Mongo results store connected")

	return &ResultsStore{
		client:       client,
		collection:   client.Database(config.Name).Collection(config.Collection),
		logger:       logger,
		queryTimeout: common.ParseDurationOr(config.QueryTimeout, 30*time.Second),
	}, nil
}

// InsertUnordered writes records with ordered=false so one duplicate
// never aborts the batch. Duplicate-key violations are skipped, every
// other write error surfaces as a transport fault. Returns the string
// ids of the documents actually inserted.
func (s *ResultsStore) InsertUnordered(ctx context.Context, records []models.TweetRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	docs := make([]interface{}, len(records))
	for i, r := range records {
		docs[i] = bson.M(r)
	}

	res, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	skipped := map[int]bool{}
	if err != nil {
		dup, ok := duplicatesOnly(err)
		if !ok {
			return nil, models.Faultf(models.ReasonTransport, "mongo insert %d records: %w", len(docs), err)
		}
		skipped = dup
		s.logger.Debug().Int("duplicates", len(skipped)).Msg("Skipped duplicate records on insert")
	}
	if res == nil {
		return nil, nil
	}

	ids := make([]string, 0, len(res.InsertedIDs))
	for i, id := range res.InsertedIDs {
		if skipped[i] {
			continue
		}
		ids = append(ids, idString(id))
	}
	return ids, nil
}

// QueryCrawled returns the stored records matching any keyword token
// whose creation day falls inside the window. The regex narrows
// server-side; the window applies client-side because created_at may
// be stored as either a BSON date or the original Twitter string.
func (s *ResultsStore) QueryCrawled(ctx context.Context, keyword string, window models.DateRange) ([]models.TweetRecord, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	cursor, err := s.collection.Find(queryCtx, textFilter(keyword))
	if err != nil {
		return nil, models.Faultf(models.ReasonTransport, "mongo find %q: %w", keyword, err)
	}
	defer cursor.Close(queryCtx)

	var docs []bson.M
	if err := cursor.All(queryCtx, &docs); err != nil {
		return nil, models.Faultf(models.ReasonTransport, "mongo cursor for %q: %w", keyword, err)
	}

	records := make([]models.TweetRecord, 0, len(docs))
	for _, doc := range docs {
		rec := models.TweetRecord(normalizeMap(doc))
		created, ok := rec.CreatedAt()
		if !ok || !window.Contains(created) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Ping verifies the connection is alive.
func (s *ResultsStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return models.Faultf(models.ReasonTransport, "mongo ping: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *ResultsStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// textFilter matches any keyword token against both text fields,
// case-insensitively. Producers store the body under full_text for
// extended tweets and text otherwise.
func textFilter(keyword string) bson.M {
	regex := primitive.Regex{Pattern: models.KeywordPattern(keyword), Options: "i"}
	return bson.M{"$or": bson.A{
		bson.M{"full_text": regex},
		bson.M{"text": regex},
	}}
}

// duplicatesOnly reports whether err is a bulk write failure made up
// entirely of duplicate-key violations, and which batch indexes they hit.
func duplicatesOnly(err error) (map[int]bool, bool) {
	var bwe driver.BulkWriteException
	if !errors.As(err, &bwe) {
		return nil, false
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return nil, false
	}

	skipped := make(map[int]bool, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return nil, false
		}
		skipped[we.Index] = true
	}
	return skipped, true
}

// idString renders an inserted _id as a string. Generated ids are
// ObjectIDs; producers occasionally supply their own string ids.
func idString(id interface{}) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// normalizeMap rewrites BSON-specific values into plain Go types so
// records leaving the store never carry driver types.
func normalizeMap(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		return normalizeMap(t)
	case bson.D:
		m := make(map[string]interface{}, len(t))
		for _, e := range t {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Decimal128:
		return t.String()
	default:
		return v
	}
}
