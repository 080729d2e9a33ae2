// Package store holds all MongoDB access for the pipeline entities.
package store

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/VertNet/usagestats/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

const (
	colPeriods  = "periods"
	colReports  = "reports"
	colPending  = "pending_aggregates"
	colDatasets = "datasets"
	colGeoCache = "geo_cache"
)

type Store struct {
	db *mongo.Database
}

func New(db *mongo.Database) *Store {
	s := &Store{db: db}
	s.ensureIndexes()
	return s
}

func (s *Store) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "period_id", Value: 1},
				{Key: "gbifdatasetid", Value: 1},
				{Key: "kind", Value: 1},
			},
		},
	}
	if _, err := s.db.Collection(colPending).Indexes().CreateMany(ctx, pending); err != nil {
		log.Printf("Warning: Failed to create pending_aggregates indexes: %v", err)
	}

	reports := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "period_id", Value: 1},
				{Key: "stored", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "period_id", Value: 1},
				{Key: "issue_sent", Value: 1},
				{Key: "stored", Value: 1},
			},
		},
	}
	if _, err := s.db.Collection(colReports).Indexes().CreateMany(ctx, reports); err != nil {
		log.Printf("Warning: Failed to create reports indexes: %v", err)
	}
}

// WithTransaction runs fn inside a multi-document transaction. All store
// operations invoked with the callback's context join the transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// --- Periods ---

func (s *Store) GetPeriod(ctx context.Context, id string) (*model.Period, error) {
	var p model.Period
	err := s.db.Collection(colPeriods).FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PutPeriod(ctx context.Context, p *model.Period) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.db.Collection(colPeriods).ReplaceOne(ctx, bson.M{"_id": p.ID}, p, opts)
	return err
}

func (s *Store) DeletePeriod(ctx context.Context, id string) error {
	_, err := s.db.Collection(colPeriods).DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// MarkKindExtracted records extraction totals for one kind on the period.
func (s *Store) MarkKindExtracted(ctx context.Context, periodID, kind string, events, records, toProcess int64) error {
	var set bson.M
	if kind == model.KindDownload {
		set = bson.M{
			"downloads_extracted":          true,
			"downloads_in_period":          events,
			"records_downloaded_in_period": records,
			"downloads_to_process":         toProcess,
		}
	} else {
		set = bson.M{
			"searches_extracted":         true,
			"searches_in_period":         events,
			"records_searched_in_period": records,
			"searches_to_process":        toProcess,
		}
	}
	res, err := s.db.Collection(colPeriods).UpdateOne(ctx,
		bson.M{"_id": periodID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// IncProcessed adds to the period's processed counters.
func (s *Store) IncProcessed(ctx context.Context, periodID string, downloads, searches int64) error {
	_, err := s.db.Collection(colPeriods).UpdateOne(ctx,
		bson.M{"_id": periodID},
		bson.M{"$inc": bson.M{
			"processed_downloads": downloads,
			"processed_searches":  searches,
		}})
	return err
}

// SetPeriodStatus transitions the period's status.
func (s *Store) SetPeriodStatus(ctx context.Context, periodID, status string) error {
	_, err := s.db.Collection(colPeriods).UpdateOne(ctx,
		bson.M{"_id": periodID},
		bson.M{"$set": bson.M{"status": status}})
	return err
}

func (s *Store) ListPeriods(ctx context.Context) ([]model.Period, error) {
	cur, err := s.db.Collection(colPeriods).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var periods []model.Period
	if err := cur.All(ctx, &periods); err != nil {
		return nil, err
	}
	return periods, nil
}

// --- Reports ---

func (s *Store) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var r model.Report
	err := s.db.Collection(colReports).FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpsertReport(ctx context.Context, r *model.Report) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.db.Collection(colReports).ReplaceOne(ctx, bson.M{"_id": r.ID}, r, opts)
	return err
}

func (s *Store) DeleteReportsForPeriod(ctx context.Context, periodID string) (int64, error) {
	res, err := s.db.Collection(colReports).DeleteMany(ctx, bson.M{"period_id": periodID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// SetReportStored flips the stored flag. The flag is never reset to false
// within a run.
func (s *Store) SetReportStored(ctx context.Context, reportID string) error {
	_, err := s.db.Collection(colReports).UpdateOne(ctx,
		bson.M{"_id": reportID},
		bson.M{"$set": bson.M{"stored": true}})
	return err
}

// SetReportIssueSent flips the issue_sent flag.
func (s *Store) SetReportIssueSent(ctx context.Context, reportID string) error {
	_, err := s.db.Collection(colReports).UpdateOne(ctx,
		bson.M{"_id": reportID},
		bson.M{"$set": bson.M{"issue_sent": true}})
	return err
}

// PageReportsToStore fetches the next page of reports awaiting storage,
// ordered by id. A non-empty datasetID narrows the scan to one resource.
// The returned cursor resumes after the last report in the page.
func (s *Store) PageReportsToStore(ctx context.Context, periodID, datasetID, cursor string, limit int64) ([]model.Report, string, error) {
	filter := bson.M{"period_id": periodID, "stored": false}
	if datasetID != "" {
		filter["gbifdatasetid"] = datasetID
	}
	return s.pageReports(ctx, filter, cursor, limit)
}

// PageReportsToIssue fetches the next page of stored reports awaiting their
// notification, ordered by id.
func (s *Store) PageReportsToIssue(ctx context.Context, periodID, cursor string, limit int64) ([]model.Report, string, error) {
	filter := bson.M{"period_id": periodID, "issue_sent": false, "stored": true}
	return s.pageReports(ctx, filter, cursor, limit)
}

func (s *Store) pageReports(ctx context.Context, filter bson.M, cursor string, limit int64) ([]model.Report, string, error) {
	if cursor != "" {
		filter["_id"] = bson.M{"$gt": cursor}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(limit)

	cur, err := s.db.Collection(colReports).Find(ctx, filter, opts)
	if err != nil {
		return nil, "", err
	}
	var reports []model.Report
	if err := cur.All(ctx, &reports); err != nil {
		return nil, "", err
	}

	next := ""
	if len(reports) > 0 {
		next = reports[len(reports)-1].ID
	}
	return reports, next, nil
}

func (s *Store) CountReports(ctx context.Context) (int64, error) {
	return s.db.Collection(colReports).CountDocuments(ctx, bson.M{})
}

// --- Pending aggregates ---

// PurgePendingAggregates removes all pending rows. Residual rows from a
// crashed prior run must not leak into a new extraction.
func (s *Store) PurgePendingAggregates(ctx context.Context) (int64, error) {
	res, err := s.db.Collection(colPending).DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *Store) InsertPendingAggregates(ctx context.Context, pending []model.PendingAggregate) error {
	if len(pending) == 0 {
		return nil
	}
	docs := make([]interface{}, len(pending))
	for i := range pending {
		docs[i] = pending[i]
	}
	_, err := s.db.Collection(colPending).InsertMany(ctx, docs)
	return err
}

// PagePendingAggregates fetches the next page of the period's pending rows
// ordered by (gbifdatasetid, kind). The cursor resumes strictly after its
// position.
func (s *Store) PagePendingAggregates(ctx context.Context, periodID string, cursor PendingCursor, limit int64) ([]model.PendingAggregate, PendingCursor, error) {
	filter := bson.M{"period_id": periodID}
	if cursor.GBIFDatasetID != "" {
		filter["$or"] = bson.A{
			bson.M{"gbifdatasetid": bson.M{"$gt": cursor.GBIFDatasetID}},
			bson.M{"gbifdatasetid": cursor.GBIFDatasetID, "kind": bson.M{"$gt": cursor.Kind}},
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "gbifdatasetid", Value: 1}, {Key: "kind", Value: 1}}).
		SetLimit(limit)

	cur, err := s.db.Collection(colPending).Find(ctx, filter, opts)
	if err != nil {
		return nil, cursor, err
	}
	var pending []model.PendingAggregate
	if err := cur.All(ctx, &pending); err != nil {
		return nil, cursor, err
	}

	next := cursor
	if len(pending) > 0 {
		last := pending[len(pending)-1]
		next = PendingCursor{GBIFDatasetID: last.GBIFDatasetID, Kind: last.Kind}
	}
	return pending, next, nil
}

func (s *Store) DeletePendingAggregates(ctx context.Context, pending []model.PendingAggregate) error {
	if len(pending) == 0 {
		return nil
	}
	ids := make([]interface{}, len(pending))
	for i := range pending {
		ids[i] = pending[i].ID
	}
	_, err := s.db.Collection(colPending).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

// --- Datasets ---

func (s *Store) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	var d model.Dataset
	err := s.db.Collection(colDatasets).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDatasets bulk-replaces the dataset registry entries.
func (s *Store) UpsertDatasets(ctx context.Context, datasets []model.Dataset) (int, error) {
	if len(datasets) == 0 {
		return 0, nil
	}

	var operations []mongo.WriteModel
	for _, d := range datasets {
		operation := mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": d.ID}).
			SetReplacement(d).
			SetUpsert(true)
		operations = append(operations, operation)
	}

	opts := options.BulkWrite().SetOrdered(false)
	result, err := s.db.Collection(colDatasets).BulkWrite(ctx, operations, opts)
	if err != nil {
		return 0, err
	}
	return int(result.UpsertedCount + result.ModifiedCount), nil
}

func (s *Store) CountDatasets(ctx context.Context) (int64, error) {
	return s.db.Collection(colDatasets).CountDocuments(ctx, bson.M{})
}

func (s *Store) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	cur, err := s.db.Collection(colDatasets).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var datasets []model.Dataset
	if err := cur.All(ctx, &datasets); err != nil {
		return nil, err
	}
	return datasets, nil
}
