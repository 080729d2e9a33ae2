package pipeline

import (
	"context"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/VertNet/usagestats/config"
	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/queue"
	"github.com/VertNet/usagestats/store"
)

func testConfig() *config.Config {
	return &config.Config{
		PublicURL:      "http://example.org",
		SandboxOrg:     "sandbox",
		SandboxRepo:    "statReports",
		EmailSender:    "stats@example.org",
		EmailRecipient: "reports@example.org",
		EmailAdmins:    []string{"admin@example.org"},
		StageDeadline:  time.Minute,
		AggregatePage:  10,
		PublishPage:    1,
		PublishDelay:   time.Millisecond,
	}
}

type fakeStore struct {
	periods  map[string]*model.Period
	reports  map[string]*model.Report
	pending  []model.PendingAggregate
	datasets map[string]*model.Dataset

	inTxn         bool
	txnOps        int
	putPeriods    int
	purgedPending int

	errGetPeriod error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		periods:  map[string]*model.Period{},
		reports:  map[string]*model.Report{},
		datasets: map[string]*model.Dataset{},
	}
}

func (s *fakeStore) op() {
	if s.inTxn {
		s.txnOps++
	}
}

func (s *fakeStore) GetPeriod(ctx context.Context, id string) (*model.Period, error) {
	if s.errGetPeriod != nil {
		return nil, s.errGetPeriod
	}
	p, ok := s.periods[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) PutPeriod(ctx context.Context, p *model.Period) error {
	s.putPeriods++
	s.periods[p.ID] = p
	return nil
}

func (s *fakeStore) DeletePeriod(ctx context.Context, id string) error {
	delete(s.periods, id)
	return nil
}

func (s *fakeStore) MarkKindExtracted(ctx context.Context, periodID, kind string, events, records, toProcess int64) error {
	p, ok := s.periods[periodID]
	if !ok {
		return store.ErrNotFound
	}
	if kind == model.KindDownload {
		p.DownloadsExtracted = true
		p.DownloadsInPeriod = events
		p.RecordsDownloadedInPeriod = records
		p.DownloadsToProcess = toProcess
	} else {
		p.SearchesExtracted = true
		p.SearchesInPeriod = events
		p.RecordsSearchedInPeriod = records
		p.SearchesToProcess = toProcess
	}
	return nil
}

func (s *fakeStore) IncProcessed(ctx context.Context, periodID string, downloads, searches int64) error {
	s.op()
	p, ok := s.periods[periodID]
	if !ok {
		return store.ErrNotFound
	}
	p.ProcessedDownloads += downloads
	p.ProcessedSearches += searches
	return nil
}

func (s *fakeStore) SetPeriodStatus(ctx context.Context, periodID, status string) error {
	p, ok := s.periods[periodID]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	return nil
}

func (s *fakeStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	r, ok := s.reports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) UpsertReport(ctx context.Context, r *model.Report) error {
	s.op()
	s.reports[r.ID] = r
	return nil
}

func (s *fakeStore) DeleteReportsForPeriod(ctx context.Context, periodID string) (int64, error) {
	var deleted int64
	for id, r := range s.reports {
		if r.PeriodID == periodID {
			delete(s.reports, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeStore) SetReportStored(ctx context.Context, reportID string) error {
	r, ok := s.reports[reportID]
	if !ok {
		return store.ErrNotFound
	}
	r.Stored = true
	return nil
}

func (s *fakeStore) SetReportIssueSent(ctx context.Context, reportID string) error {
	r, ok := s.reports[reportID]
	if !ok {
		return store.ErrNotFound
	}
	r.IssueSent = true
	return nil
}

func (s *fakeStore) pageReports(match func(*model.Report) bool, cursor string, limit int64) ([]model.Report, string, error) {
	var all []model.Report
	for _, r := range s.reports {
		if match(r) && r.ID > cursor {
			all = append(all, *r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if int64(len(all)) > limit {
		all = all[:limit]
	}
	next := cursor
	if len(all) > 0 {
		next = all[len(all)-1].ID
	}
	return all, next, nil
}

func (s *fakeStore) PageReportsToStore(ctx context.Context, periodID, datasetID, cursor string, limit int64) ([]model.Report, string, error) {
	return s.pageReports(func(r *model.Report) bool {
		if datasetID != "" && r.GBIFDatasetID != datasetID {
			return false
		}
		return r.PeriodID == periodID && !r.Stored
	}, cursor, limit)
}

func (s *fakeStore) PageReportsToIssue(ctx context.Context, periodID, cursor string, limit int64) ([]model.Report, string, error) {
	return s.pageReports(func(r *model.Report) bool {
		return r.PeriodID == periodID && r.Stored && !r.IssueSent
	}, cursor, limit)
}

func (s *fakeStore) PurgePendingAggregates(ctx context.Context) (int64, error) {
	purged := int64(len(s.pending))
	s.purgedPending += len(s.pending)
	s.pending = nil
	return purged, nil
}

func (s *fakeStore) InsertPendingAggregates(ctx context.Context, pending []model.PendingAggregate) error {
	for _, p := range pending {
		p.ID = primitive.NewObjectID()
		s.pending = append(s.pending, p)
	}
	return nil
}

func (s *fakeStore) PagePendingAggregates(ctx context.Context, periodID string, cursor store.PendingCursor, limit int64) ([]model.PendingAggregate, store.PendingCursor, error) {
	var page []model.PendingAggregate
	for _, p := range s.pending {
		if p.PeriodID != periodID {
			continue
		}
		if p.GBIFDatasetID < cursor.GBIFDatasetID ||
			(p.GBIFDatasetID == cursor.GBIFDatasetID && p.Kind <= cursor.Kind) {
			continue
		}
		page = append(page, p)
	}
	sort.Slice(page, func(i, j int) bool {
		if page[i].GBIFDatasetID != page[j].GBIFDatasetID {
			return page[i].GBIFDatasetID < page[j].GBIFDatasetID
		}
		return page[i].Kind < page[j].Kind
	})
	if int64(len(page)) > limit {
		page = page[:limit]
	}
	next := cursor
	if len(page) > 0 {
		last := page[len(page)-1]
		next = store.PendingCursor{GBIFDatasetID: last.GBIFDatasetID, Kind: last.Kind}
	}
	return page, next, nil
}

func (s *fakeStore) DeletePendingAggregates(ctx context.Context, pending []model.PendingAggregate) error {
	s.op()
	drop := map[primitive.ObjectID]bool{}
	for _, p := range pending {
		drop[p.ID] = true
	}
	var kept []model.PendingAggregate
	for _, p := range s.pending {
		if !drop[p.ID] {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	return nil
}

func (s *fakeStore) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	d, ok := s.datasets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (s *fakeStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.inTxn = true
	defer func() { s.inTxn = false }()
	return fn(ctx)
}

type fakeQueue struct {
	tasks []queue.Task
}

func (q *fakeQueue) Enqueue(task queue.Task) error {
	q.tasks = append(q.tasks, task)
	return nil
}

type fakeEvents struct {
	rows []model.LogRow
	err  error
}

func (f *fakeEvents) QueryLogRows(ctx context.Context, query string) ([]model.LogRow, error) {
	return f.rows, f.err
}

type fakeGeo struct{}

func (fakeGeo) Country(ctx context.Context, lat, lon float64) string {
	return "Spain"
}

type hostCall struct {
	op, org, repo, path string
}

type fakeHost struct {
	calls    []hostCall
	storeErr error
	issueErr error
}

func (h *fakeHost) StoreFile(ctx context.Context, org, repo, path, message, content string) error {
	h.calls = append(h.calls, hostCall{op: "store", org: org, repo: repo, path: path})
	return h.storeErr
}

func (h *fakeHost) CreateIssue(ctx context.Context, org, repo, title, body string, labels []string) error {
	h.calls = append(h.calls, hostCall{op: "issue", org: org, repo: repo})
	return h.issueErr
}

type sentMail struct {
	to      []string
	subject string
}

type fakeMailer struct {
	sent []sentMail
}

func (m *fakeMailer) Send(to []string, subject, body string) {
	m.sent = append(m.sent, sentMail{to: to, subject: subject})
}

type testPipeline struct {
	*Pipeline
	store  *fakeStore
	queue  *fakeQueue
	events *fakeEvents
	host   *fakeHost
	mail   *fakeMailer
	cfg    *config.Config
}

func newTestPipeline() *testPipeline {
	cfg := testConfig()
	st := newFakeStore()
	q := &fakeQueue{}
	ev := &fakeEvents{}
	host := &fakeHost{}
	mail := &fakeMailer{}
	return &testPipeline{
		Pipeline: New(cfg, st, ev, fakeGeo{}, host, mail, q),
		store:    st,
		queue:    q,
		events:   ev,
		host:     host,
		mail:     mail,
		cfg:      cfg,
	}
}
