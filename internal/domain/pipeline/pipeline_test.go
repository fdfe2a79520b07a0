package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/domain/pipeline"
	"github.com/plushify/plushify-api/internal/pkg/ai"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/testutil/memstore"
)

type harness struct {
	store *memstore.Store
	blobs *memstore.Blobs
	ai    *memstore.AI
	bus   *eventbus.MemoryBus
	svc   *generation.Service
	orch  *pipeline.Orchestrator
	host  *pipeline.Host
}

func newHarness(t *testing.T, inference pipeline.Inference) *harness {
	t.Helper()

	h := &harness{
		store: memstore.New(),
		blobs: memstore.NewBlobs(),
		ai:    &memstore.AI{},
	}
	if inference == nil {
		inference = h.ai
	}

	h.bus = eventbus.NewMemoryBus(eventbus.Options{
		MaxDeliveries:   3,
		RedeliveryDelay: time.Millisecond,
		DeadLetter: func(ctx context.Context, evt eventbus.Event, err error) {
			h.host.DeadLetter(ctx, evt, err)
		},
	})

	repo := h.store.Generations()
	h.svc = generation.NewService(repo, h.store, h.blobs, h.bus, nil, generation.DefaultConfig())
	h.orch = pipeline.NewOrchestrator(pipeline.Deps{
		Repo:  repo,
		Blobs: h.blobs,
		AI:    inference,
		Steps: h.store.Steps(),
		Gate:  pipeline.NewLocalGate(5),
	}, pipeline.Config{MaxAttempts: 3, BackoffBase: time.Millisecond})
	h.host = pipeline.NewHost(h.orch, pipeline.NewReconciler(h.svc.Cleaner(), nil), h.bus)
	h.host.Register()

	ctx, cancel := context.WithCancel(context.Background())
	go h.bus.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func (h *harness) submit(t *testing.T, userID uuid.UUID) uuid.UUID {
	t.Helper()
	g, err := h.svc.Submit(context.Background(), generation.SubmitRequest{
		UserID:   userID,
		Image:    memstore.PNG(4, 4),
		MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return g.ID
}

func (h *harness) record(t *testing.T, id uuid.UUID) generation.Generation {
	t.Helper()
	g, ok := h.store.Generation(id)
	if !ok {
		t.Fatalf("generation %s missing", id)
	}
	return g
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	rec, err := h.store.VerifyBalance(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Consistent {
		t.Fatalf("balance %d does not match ledger sum %d", rec.Balance, rec.LedgerSum)
	}
	return rec.Balance
}

func TestPipelineCompletesAndBillsOnce(t *testing.T) {
	h := newHarness(t, nil)
	userID := h.store.AddUser(3)

	id := h.submit(t, userID)
	h.drain(t)

	g := h.record(t, id)
	if g.Status != generation.StatusCompleted {
		t.Fatalf("expected completed, got %s", g.Status)
	}
	if g.OriginalImageURL == "" || g.ResultImageURL == "" {
		t.Fatalf("urls not populated: %+v", g)
	}
	if g.SubjectType != generation.SubjectPet {
		t.Fatalf("expected pet, got %s", g.SubjectType)
	}
	if !h.blobs.Has(g.ResultImageURL) || !strings.Contains(g.ResultImageURL, "plushify/generated/") {
		t.Fatalf("result not stored at %s", g.ResultImageURL)
	}

	if b := h.balance(t, userID); b != 2 {
		t.Fatalf("expected balance 2, got %d", b)
	}
	entries := h.store.Entries(credit.TxTypeGeneration, id.String())
	if len(entries) != 1 || entries[0].Amount != -1 || entries[0].BalanceAfter != 2 {
		t.Fatalf("unexpected ledger entries %+v", entries)
	}

	steps, _ := h.store.Steps().List(context.Background(), id)
	if len(steps) != 4 {
		t.Fatalf("expected 4 step records, got %d", len(steps))
	}
	for _, s := range steps {
		if s.Status != pipeline.StepSucceeded {
			t.Fatalf("step %s: %s", s.Step, s.Status)
		}
	}
}

func TestPipelineNoImageFailsWithoutCharge(t *testing.T) {
	h := newHarness(t, nil)
	h.ai.TransformFunc = func(int) ([]byte, string, error) { return nil, "", ai.ErrNoImage }
	userID := h.store.AddUser(3)

	id := h.submit(t, userID)
	h.drain(t)

	g := h.record(t, id)
	if g.Status != generation.StatusFailed {
		t.Fatalf("expected failed, got %s", g.Status)
	}
	if b := h.balance(t, userID); b != 3 {
		t.Fatalf("expected balance 3, got %d", b)
	}
	if n := len(h.store.Entries(credit.TxTypeGeneration, id.String())); n != 0 {
		t.Fatalf("failed generation has %d debits", n)
	}

	deleted := h.blobs.Deleted()
	if len(deleted) != 1 || !strings.Contains(deleted[0], "plushify/originals/") {
		t.Fatalf("expected original deletion, got %v", deleted)
	}
	if g.OriginalImageURL != "" {
		t.Fatalf("deleted original still referenced: %s", g.OriginalImageURL)
	}

	if _, transforms := h.ai.Calls(); transforms != 1 {
		t.Fatalf("non-retriable error retried: %d transform calls", transforms)
	}
}

func TestPipelineRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.ai.TransformFunc = func(call int) ([]byte, string, error) {
		if call < 3 {
			return nil, "", &ai.StatusError{StatusCode: 502, Body: "bad gateway"}
		}
		return memstore.PNG(8, 8), "image/png", nil
	}
	userID := h.store.AddUser(1)

	id := h.submit(t, userID)
	h.drain(t)

	if g := h.record(t, id); g.Status != generation.StatusCompleted {
		t.Fatalf("expected completed, got %s", g.Status)
	}
	if b := h.balance(t, userID); b != 0 {
		t.Fatalf("expected balance 0, got %d", b)
	}

	analyses, transforms := h.ai.Calls()
	if analyses != 1 || transforms != 3 {
		t.Fatalf("expected 1 analysis and 3 transforms, got %d and %d", analyses, transforms)
	}

	steps, _ := h.store.Steps().List(context.Background(), id)
	uploads := 0
	for _, s := range steps {
		if s.Step == pipeline.StepUploadOriginal && s.Status == pipeline.StepSucceeded {
			uploads++
		}
	}
	if uploads != 1 {
		t.Fatalf("original uploaded %d times", uploads)
	}
}

func TestPipelineExhaustedRetriesFail(t *testing.T) {
	h := newHarness(t, nil)
	h.ai.AnalyzeFunc = func(int) (string, error) { return "", ai.ErrEmptyAnalysis }
	userID := h.store.AddUser(1)

	id := h.submit(t, userID)
	h.drain(t)

	if g := h.record(t, id); g.Status != generation.StatusFailed {
		t.Fatalf("expected failed, got %s", g.Status)
	}
	if analyses, _ := h.ai.Calls(); analyses != 3 {
		t.Fatalf("expected 3 attempts, got %d", analyses)
	}
	if b := h.balance(t, userID); b != 1 {
		t.Fatalf("expected balance 1, got %d", b)
	}
}

func TestDuplicateRunsBillOnce(t *testing.T) {
	h := newHarness(t, nil)
	userID := h.store.AddUser(3)

	g := &generation.Generation{ID: uuid.New(), UserID: userID}
	if err := h.store.Generations().Admit(context.Background(), g, generation.Limits{MaxProcessing: 5}); err != nil {
		t.Fatal(err)
	}
	job := generation.GenerateRequested{GenerationID: g.ID, UserID: userID, ImageData: memstore.PNG(4, 4), ImageMimeType: "image/png"}

	var wg sync.WaitGroup
	outcomes := make([]pipeline.Outcome, 4)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = h.orch.Run(context.Background(), generation.SubmitEventID(g.ID), job)
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, o := range outcomes {
		switch o {
		case pipeline.OutcomeCompleted:
			completed++
		case pipeline.OutcomeAlreadyCompleted:
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if completed != 1 {
		t.Fatalf("expected one billing run, got %d", completed)
	}
	if n := len(h.store.Entries(credit.TxTypeGeneration, g.ID.String())); n != 1 {
		t.Fatalf("expected 1 debit, got %d", n)
	}
	if b := h.balance(t, userID); b != 2 {
		t.Fatalf("expected balance 2, got %d", b)
	}
}

func TestRunLosingToCompletedDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	userID := h.store.AddUser(3)

	g := &generation.Generation{ID: uuid.New(), UserID: userID}
	if err := h.store.Generations().Admit(ctx, g, generation.Limits{MaxProcessing: 5}); err != nil {
		t.Fatal(err)
	}

	// a duplicate delivery finishes the generation while this run transforms
	resultURL, _ := h.blobs.Put(ctx, generation.ResultKey(userID, g.ID), memstore.PNG(8, 8), "image/png")
	h.ai.TransformFunc = func(int) ([]byte, string, error) {
		repo := h.store.Generations()
		if err := repo.SetResultURL(ctx, g.ID, resultURL); err != nil {
			t.Errorf("set result: %v", err)
		}
		if _, err := repo.Finalize(ctx, g.ID, generation.SubjectPet, credit.Entry{
			Type:        credit.TxTypeGeneration,
			RelatedID:   g.ID.String(),
			Description: "Plushie generation completed",
		}); err != nil {
			t.Errorf("finalize: %v", err)
		}
		return memstore.PNG(8, 8), "image/png", nil
	}

	job := generation.GenerateRequested{GenerationID: g.ID, UserID: userID, ImageData: memstore.PNG(4, 4), ImageMimeType: "image/png"}
	outcome, err := h.orch.Run(ctx, generation.SubmitEventID(g.ID), job)
	if err != nil || outcome != pipeline.OutcomeAlreadyCompleted {
		t.Fatalf("expected already_completed, got %s (%v)", outcome, err)
	}
	if !h.blobs.Has(resultURL) {
		t.Fatal("result referenced by the completed record was deleted")
	}
	if n := len(h.store.Entries(credit.TxTypeGeneration, g.ID.String())); n != 1 {
		t.Fatalf("expected 1 debit, got %d", n)
	}
	if b := h.balance(t, userID); b != 2 {
		t.Fatalf("expected balance 2, got %d", b)
	}
}

func TestRetryAfterFailureBillsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.ai.TransformFunc = func(call int) ([]byte, string, error) {
		if call == 1 {
			return nil, "", ai.ErrNoImage
		}
		return memstore.PNG(8, 8), "image/png", nil
	}
	ctx := context.Background()
	userID := h.store.AddUser(3)

	id := h.submit(t, userID)
	h.drain(t)
	if g := h.record(t, id); g.Status != generation.StatusFailed {
		t.Fatalf("expected failed, got %s", g.Status)
	}

	before, _ := h.svc.GetCredits(ctx, userID)
	_, err := h.svc.Retry(ctx, generation.RetryRequest{
		UserID:       userID,
		GenerationID: id,
		Image:        memstore.PNG(4, 4),
		MimeType:     "image/png",
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	during, _ := h.svc.GetCredits(ctx, userID)
	if during.Balance != before.Balance || during.Available != before.Available-1 {
		t.Fatalf("retry reserved unexpectedly: before %+v during %+v", before, during)
	}

	h.drain(t)

	if g := h.record(t, id); g.Status != generation.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", g.Status)
	}
	if b := h.balance(t, userID); b != 2 {
		t.Fatalf("expected balance 2, got %d", b)
	}
	if n := len(h.store.Entries(credit.TxTypeGeneration, id.String())); n != 1 {
		t.Fatalf("expected 1 debit across original and retry, got %d", n)
	}
}

func TestFinalizeRaceFailsPermanently(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	userID := h.store.AddUser(1)

	// the credit is spent elsewhere between admission and finalize
	h.ai.AnalyzeFunc = func(int) (string, error) {
		_, _, err := h.store.TryDebit(ctx, userID, 1, credit.Entry{Type: credit.TxTypeAdjustment, Description: "spent"})
		return "a red mug", err
	}

	id := h.submit(t, userID)
	h.drain(t)

	if g := h.record(t, id); g.Status != generation.StatusFailed {
		t.Fatalf("expected failed, got %s", g.Status)
	}
	if b := h.balance(t, userID); b != 0 {
		t.Fatalf("expected balance 0, got %d", b)
	}
	if n := len(h.store.Entries(credit.TxTypeGeneration, id.String())); n != 0 {
		t.Fatalf("expected no debit, got %d", n)
	}
	if analyses, _ := h.ai.Calls(); analyses != 1 {
		t.Fatalf("insufficient balance at finalize must not retry, %d analyses", analyses)
	}
}

func TestCrashedRunIsReconciled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	userID := h.store.AddUser(2)

	// admitted and original uploaded, then the worker died
	g := &generation.Generation{ID: uuid.New(), UserID: userID}
	if err := h.store.Generations().Admit(ctx, g, generation.Limits{MaxProcessing: 5}); err != nil {
		t.Fatal(err)
	}
	url, _ := h.blobs.Put(ctx, generation.OriginalKey(userID, g.ID, "image/png"), memstore.PNG(4, 4), "image/png")
	_ = h.store.Generations().SetOriginalURL(ctx, g.ID, url)

	evt, err := eventbus.NewEvent(generation.SubmitEventID(g.ID), generation.EventGenerateRequested,
		generation.GenerateRequested{GenerationID: g.ID, UserID: userID})
	if err != nil {
		t.Fatal(err)
	}
	h.host.DeadLetter(ctx, evt, errors.New("worker lost"))
	h.drain(t)

	stored := h.record(t, g.ID)
	if stored.Status != generation.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if h.blobs.Has(url) {
		t.Fatal("original not deleted")
	}
	if b := h.balance(t, userID); b != 2 {
		t.Fatalf("expected balance 2, got %d", b)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	userID := h.store.AddUser(1)

	g := &generation.Generation{ID: uuid.New(), UserID: userID}
	_ = h.store.Generations().Admit(ctx, g, generation.Limits{MaxProcessing: 5})
	url, _ := h.blobs.Put(ctx, "orig", memstore.PNG(4, 4), "image/png")
	_ = h.store.Generations().SetOriginalURL(ctx, g.ID, url)

	reconciler := pipeline.NewReconciler(h.svc.Cleaner(), nil)
	data := pipeline.SignalData{GenerationID: g.ID}

	failed, _ := pipeline.NewSignalEvent(pipeline.EventPipelineFailed, "generate-x", data, errors.New("boom"))
	cancelled, _ := pipeline.NewSignalEvent(pipeline.EventPipelineCancelled, "generate-x", data, nil)

	if err := reconciler.OnPipelineFailed(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := reconciler.OnPipelineCancelled(ctx, cancelled); err != nil {
		t.Fatal(err)
	}
	if err := reconciler.OnPipelineFailed(ctx, failed); err != nil {
		t.Fatal(err)
	}

	if got := h.record(t, g.ID).Status; got != generation.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if n := len(h.blobs.Deleted()); n != 1 {
		t.Fatalf("expected one cleanup, got %d deletions", n)
	}
}

func TestReconcileLeavesCompletedAlone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	userID := h.store.AddUser(1)

	id := uuid.New()
	h.store.SetGeneration(generation.Generation{
		ID: id, UserID: userID, Status: generation.StatusCompleted,
		SubjectType: generation.SubjectPerson, ResultImageURL: "https://blobs.test/r.png",
	})

	sig, _ := pipeline.NewSignalEvent(pipeline.EventPipelineFailed, "generate-y", pipeline.SignalData{GenerationID: id}, nil)
	if err := pipeline.NewReconciler(h.svc.Cleaner(), nil).OnPipelineFailed(ctx, sig); err != nil {
		t.Fatal(err)
	}
	if got := h.record(t, id); got.Status != generation.StatusCompleted || got.ResultImageURL == "" {
		t.Fatalf("completed record changed: %+v", got)
	}
	if len(h.blobs.Deleted()) != 0 {
		t.Fatal("completed record's blobs deleted")
	}

	// unknown generation
	sig, _ = pipeline.NewSignalEvent(pipeline.EventPipelineFailed, "generate-z", pipeline.SignalData{GenerationID: uuid.New()}, nil)
	if err := pipeline.NewReconciler(h.svc.Cleaner(), nil).OnPipelineFailed(ctx, sig); err != nil {
		t.Fatal(err)
	}
}

// blockingAI parks Transform until its context ends.
type blockingAI struct {
	memstore.AI
	once    sync.Once
	started chan struct{}
}

func (b *blockingAI) Transform(ctx context.Context, _ []byte, _, _ string) ([]byte, string, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func TestOperatorCancel(t *testing.T) {
	inference := &blockingAI{started: make(chan struct{})}
	h := newHarness(t, inference)
	ctx := context.Background()
	userID := h.store.AddUser(1)

	id := h.submit(t, userID)

	select {
	case <-inference.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transform never started")
	}
	if !h.host.Running(id) {
		t.Fatal("run not tracked")
	}

	evt, _ := eventbus.NewEvent("cancel-"+id.String(), generation.EventGenerateCancel, generation.GenerateCancel{GenerationID: id, Reason: "stuck"})
	if err := h.bus.Publish(ctx, evt); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if got := h.record(t, id).Status; got != generation.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if h.host.Running(id) {
		t.Fatal("run still tracked")
	}
	if b := h.balance(t, userID); b != 1 {
		t.Fatalf("expected balance 1, got %d", b)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	if pipeline.IsPermanent(base) {
		t.Fatal("plain error reported permanent")
	}
	p := pipeline.Permanent(base)
	if !pipeline.IsPermanent(p) || !errors.Is(p, base) {
		t.Fatal("Permanent must wrap")
	}
	if !pipeline.IsPermanent(errors.Join(errors.New("step"), p)) {
		t.Fatal("wrapped permanent error lost")
	}
	if pipeline.Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
}
