package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	gosync "sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/database"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/sync"
	"github.com/medvault-app/medsyncgo/internal/utils"
	"github.com/medvault-app/medsyncgo/internal/websocket"
)

// newTestServer builds a router over a SQLite-backed central store. Only the
// tables the exchange touches are migrated; UserAuth carries a
// Postgres-specific column default.
func newTestServer(t *testing.T) (*Router, *database.DB, *config.Config) {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "central.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db := &database.DB{DB: gormDB}
	if err := db.AutoMigrate(&models.CentralRecord{}, &models.AppliedMutation{}, &models.EnrolledDevice{}); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	cfg := &config.Config{JWTSecret: "test-secret"}
	return NewRouter(db, cfg, websocket.NewHub()), db, cfg
}

func enrollDevice(t *testing.T, db *database.DB, cfg *config.Config, deviceID string, status models.DeviceStatus) string {
	t.Helper()
	device := &models.EnrolledDevice{
		DeviceID:  deviceID,
		Name:      "Test Tablet",
		PublicKey: "test-key",
		Status:    status,
	}
	if err := db.Create(device).Error; err != nil {
		t.Fatalf("Failed to enroll device: %v", err)
	}
	token, err := utils.GenerateDeviceToken(device, cfg)
	if err != nil {
		t.Fatalf("Failed to issue device token: %v", err)
	}
	return token
}

func fieldsOf(pairs map[string]string) sync.FieldMap {
	fm := make(sync.FieldMap, len(pairs))
	for k, v := range pairs {
		fm[k] = json.RawMessage(v)
	}
	return fm
}

func doPush(t *testing.T, router *Router, token string, req sync.PushRequest) sync.PushResponse {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal push request: %v", err)
	}
	r := httptest.NewRequest("POST", "/sync/push", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("Push returned %d: %s", w.Code, w.Body.String())
	}
	var resp sync.PushResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode push response: %v", err)
	}
	return resp
}

func doPull(t *testing.T, router *Router, token, since string) sync.PullResponse {
	t.Helper()
	r := httptest.NewRequest("GET", "/sync/pull?since="+since, nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("Pull returned %d: %s", w.Code, w.Body.String())
	}
	var resp sync.PullResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode pull response: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestServer(t)

	// Devices probe this unauthenticated to classify connectivity
	r := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from the health probe, got %d", w.Code)
	}
}

func TestPushPull_CreateFlow(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	resp := doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-1",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpCreate),
		Fields:        fieldsOf(map[string]string{"name": `"Metformin"`, "dosage_mg": `20`}),
		VersionVector: sync.VersionVector{},
		Origin:        "tablet_a",
	}}})
	if len(resp.Accepted) != 1 || resp.Accepted[0] != "mut-1" {
		t.Fatalf("Expected mut-1 accepted, got %+v", resp)
	}

	// The server stamps its copy with the device's increment on top of the base
	var rec models.CentralRecord
	if err := db.Where("entity_id = ?", "patient-1-meds").First(&rec).Error; err != nil {
		t.Fatalf("Failed to load the central record: %v", err)
	}
	vv, err := sync.ParseVersionVector(rec.VersionVector)
	if err != nil {
		t.Fatalf("Failed to parse the stored vector: %v", err)
	}
	if vv.Get("tablet_a") != 1 || rec.LastWriter != "tablet_a" || rec.ServerSeq != 1 {
		t.Errorf("Unexpected central record: vv=%s writer=%s seq=%d", rec.VersionVector, rec.LastWriter, rec.ServerSeq)
	}

	var device models.EnrolledDevice
	db.Where("device_id = ?", "tablet_a").First(&device)
	if device.LastSeenAt.IsZero() {
		t.Error("Expected the exchange to refresh last_seen_at")
	}

	// Pull from scratch sees the new record and the advanced checkpoint
	pull := doPull(t, router, token, "0")
	if len(pull.Records) != 1 || pull.NextCheckpoint != "1" {
		t.Fatalf("Expected 1 record at checkpoint 1, got %d at %q", len(pull.Records), pull.NextCheckpoint)
	}
	snap := pull.Records[0]
	if snap.EntityID != "patient-1-meds" || string(snap.Fields["name"]) != `"Metformin"` || snap.VersionVector.Get("tablet_a") != 1 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}

	// A caught-up device gets an empty page and its checkpoint echoed back
	pull = doPull(t, router, token, "1")
	if len(pull.Records) != 0 || pull.NextCheckpoint != "1" {
		t.Errorf("Expected an empty page at checkpoint 1, got %d at %q", len(pull.Records), pull.NextCheckpoint)
	}
}

func TestPush_IdempotentReplay(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	mut := sync.WireMutation{
		MutationID:    "mut-1",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpCreate),
		Fields:        fieldsOf(map[string]string{"name": `"Metformin"`}),
		VersionVector: sync.VersionVector{},
		Origin:        "tablet_a",
	}
	doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{mut}})

	// A device that crashed before recording the ack resends the same
	// mutation; the server acknowledges without reapplying
	resp := doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{mut}})
	if len(resp.Accepted) != 1 || resp.Accepted[0] != "mut-1" {
		t.Fatalf("Expected the replay acknowledged, got %+v", resp)
	}

	var applied int64
	db.Model(&models.AppliedMutation{}).Count(&applied)
	if applied != 1 {
		t.Errorf("Expected the mutation applied once, got %d", applied)
	}
	var rec models.CentralRecord
	db.Where("entity_id = ?", "patient-1-meds").First(&rec)
	vv, _ := sync.ParseVersionVector(rec.VersionVector)
	if vv.Get("tablet_a") != 1 {
		t.Errorf("Replay must not advance the vector, got %s", rec.VersionVector)
	}
}

func TestPush_StaleBaseRejected(t *testing.T) {
	router, db, cfg := newTestServer(t)
	tokenA := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)
	tokenB := enrollDevice(t, db, cfg, "phone_b", models.DeviceStatusActive)

	doPush(t, router, tokenA, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-a1",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpCreate),
		Fields:        fieldsOf(map[string]string{"name": `"Metformin"`, "dosage_mg": `20`}),
		VersionVector: sync.VersionVector{},
		Origin:        "tablet_a",
	}}})

	// Device B created the same entity while offline and never saw A's write.
	// Its empty base does not cover the server's vector, so the push is
	// rejected with the current snapshot for local conflict detection.
	resp := doPush(t, router, tokenB, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-b1",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpCreate),
		Fields:        fieldsOf(map[string]string{"name": `"Metformin"`, "dosage_mg": `40`}),
		VersionVector: sync.VersionVector{},
		Origin:        "phone_b",
	}}})
	if len(resp.Accepted) != 0 || len(resp.Rejected) != 1 {
		t.Fatalf("Expected a lone rejection, got %+v", resp)
	}
	rej := resp.Rejected[0]
	if rej.MutationID != "mut-b1" {
		t.Errorf("Expected mut-b1 rejected, got %s", rej.MutationID)
	}
	if string(rej.Current.Fields["dosage_mg"]) != `20` || rej.Current.VersionVector.Get("tablet_a") != 1 {
		t.Errorf("Expected the server's current snapshot attached, got %+v", rej.Current)
	}

	// The rejection left the server copy untouched
	var rec models.CentralRecord
	db.Where("entity_id = ?", "patient-1-meds").First(&rec)
	vv, _ := sync.ParseVersionVector(rec.VersionVector)
	if vv.Get("phone_b") != 0 || rec.LastWriter != "tablet_a" {
		t.Errorf("Rejection must not modify the record, got vv=%s writer=%s", rec.VersionVector, rec.LastWriter)
	}
}

func TestPush_FreshBaseUpdateAccepted(t *testing.T) {
	router, db, cfg := newTestServer(t)
	tokenA := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)
	tokenB := enrollDevice(t, db, cfg, "phone_b", models.DeviceStatusActive)

	doPush(t, router, tokenA, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-a1",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpCreate),
		Fields:        fieldsOf(map[string]string{"name": `"Metformin"`}),
		VersionVector: sync.VersionVector{},
		Origin:        "tablet_a",
	}}})

	// B pulled first, so its base covers the server and the patch lands
	resp := doPush(t, router, tokenB, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-b1",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpUpdate),
		Fields:        fieldsOf(map[string]string{"dosage_mg": `30`}),
		VersionVector: sync.VersionVector{"tablet_a": 1},
		Origin:        "phone_b",
	}}})
	if len(resp.Accepted) != 1 {
		t.Fatalf("Expected the fresh-base update accepted, got %+v", resp)
	}

	var rec models.CentralRecord
	db.Where("entity_id = ?", "patient-1-meds").First(&rec)
	fields, err := sync.DecodeFields(rec.Fields)
	if err != nil {
		t.Fatalf("Failed to decode fields: %v", err)
	}
	if string(fields["name"]) != `"Metformin"` || string(fields["dosage_mg"]) != `30` {
		t.Errorf("Expected the patch folded into the record, got %s", rec.Fields)
	}
	vv, _ := sync.ParseVersionVector(rec.VersionVector)
	if vv.Get("tablet_a") != 1 || vv.Get("phone_b") != 1 {
		t.Errorf("Expected both writers in the vector, got %s", rec.VersionVector)
	}
	if rec.ServerSeq != 2 {
		t.Errorf("Expected the update to take the next feed position, got %d", rec.ServerSeq)
	}

	// A JSON null in the patch removes the field entirely
	resp = doPush(t, router, tokenB, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-b2",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpUpdate),
		Fields:        fieldsOf(map[string]string{"dosage_mg": `null`}),
		VersionVector: sync.VersionVector{"tablet_a": 1, "phone_b": 1},
		Origin:        "phone_b",
	}}})
	if len(resp.Accepted) != 1 {
		t.Fatalf("Expected the null patch accepted, got %+v", resp)
	}
	db.Where("entity_id = ?", "patient-1-meds").First(&rec)
	fields, _ = sync.DecodeFields(rec.Fields)
	if _, ok := fields["dosage_mg"]; ok {
		t.Errorf("Expected dosage_mg removed, got %s", rec.Fields)
	}
}

func TestPush_BatchSameEntityInOrder(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	// One batch carrying a create and its follow-up edit, each with the base
	// the device recorded at commit time. Applied in order, both land.
	resp := doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{
		{
			MutationID:    "mut-1",
			EntityID:      "patient-1-meds",
			Op:            string(models.OpCreate),
			Fields:        fieldsOf(map[string]string{"name": `"Metformin"`}),
			VersionVector: sync.VersionVector{},
			Origin:        "tablet_a",
		},
		{
			MutationID:    "mut-2",
			EntityID:      "patient-1-meds",
			Op:            string(models.OpUpdate),
			Fields:        fieldsOf(map[string]string{"dosage_mg": `20`}),
			VersionVector: sync.VersionVector{"tablet_a": 1},
			Origin:        "tablet_a",
		},
	}})
	if len(resp.Accepted) != 2 || len(resp.Rejected) != 0 {
		t.Fatalf("Expected both mutations accepted, got %+v", resp)
	}

	var rec models.CentralRecord
	db.Where("entity_id = ?", "patient-1-meds").First(&rec)
	vv, _ := sync.ParseVersionVector(rec.VersionVector)
	if vv.Get("tablet_a") != 2 {
		t.Errorf("Expected the vector advanced twice, got %s", rec.VersionVector)
	}
	fields, _ := sync.DecodeFields(rec.Fields)
	if string(fields["name"]) != `"Metformin"` || string(fields["dosage_mg"]) != `20` {
		t.Errorf("Expected both patches applied, got %s", rec.Fields)
	}
}

func TestPush_ConcurrentBatchesKeepFeedDense(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	// Simultaneous pushes must apply one at a time: every batch accepted,
	// every record on its own feed position, no gaps and no collisions.
	const pushers = 8
	var wg gosync.WaitGroup
	for i := 0; i < pushers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			entity := "rec-" + strconv.Itoa(n)
			body, err := json.Marshal(sync.PushRequest{Mutations: []sync.WireMutation{{
				MutationID:    "mut-" + entity,
				EntityID:      entity,
				Op:            string(models.OpCreate),
				Fields:        fieldsOf(map[string]string{"idx": strconv.Itoa(n)}),
				VersionVector: sync.VersionVector{},
				Origin:        "tablet_a",
			}}})
			if err != nil {
				t.Errorf("Failed to marshal push %d: %v", n, err)
				return
			}
			r := httptest.NewRequest("POST", "/sync/push", bytes.NewReader(body))
			r.Header.Set("Content-Type", "application/json")
			r.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)
			if w.Code != http.StatusOK {
				t.Errorf("Push %d returned %d: %s", n, w.Code, w.Body.String())
				return
			}
			var resp sync.PushResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Accepted) != 1 {
				t.Errorf("Push %d not accepted: %s", n, w.Body.String())
			}
		}(i)
	}
	wg.Wait()

	var recs []models.CentralRecord
	if err := db.Order("server_seq ASC").Find(&recs).Error; err != nil {
		t.Fatalf("Failed to load records: %v", err)
	}
	if len(recs) != pushers {
		t.Fatalf("Expected %d records, got %d", pushers, len(recs))
	}
	for i, rec := range recs {
		if rec.ServerSeq != int64(i+1) {
			t.Errorf("Expected feed position %d, got %d for %s", i+1, rec.ServerSeq, rec.EntityID)
		}
	}
}

func TestPush_DeleteTombstones(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-1",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpCreate),
		Fields:        fieldsOf(map[string]string{"name": `"Metformin"`}),
		VersionVector: sync.VersionVector{},
		Origin:        "tablet_a",
	}}})
	resp := doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-2",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpDelete),
		VersionVector: sync.VersionVector{"tablet_a": 1},
		Origin:        "tablet_a",
		Tombstone:     true,
	}}})
	if len(resp.Accepted) != 1 {
		t.Fatalf("Expected the delete accepted, got %+v", resp)
	}

	var rec models.CentralRecord
	db.Where("entity_id = ?", "patient-1-meds").First(&rec)
	if !rec.Tombstone || rec.TombstonedAt == nil {
		t.Errorf("Expected a tombstoned record, got tombstone=%v at=%v", rec.Tombstone, rec.TombstonedAt)
	}

	// Deletions still flow through the pull feed so other devices see them
	pull := doPull(t, router, token, "0")
	if len(pull.Records) != 1 || !pull.Records[0].Tombstone {
		t.Errorf("Expected the tombstone in the feed, got %+v", pull.Records)
	}
}

func TestPush_MalformedMutationsSkipped(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	// Mutations too malformed to judge land in neither list; the valid one
	// in the same batch is unaffected
	resp := doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{
		{MutationID: "", EntityID: "patient-1-meds", Op: string(models.OpCreate), VersionVector: sync.VersionVector{}},
		{MutationID: "mut-no-entity", EntityID: "", Op: string(models.OpCreate), VersionVector: sync.VersionVector{}},
		{
			MutationID:    "mut-ok",
			EntityID:      "patient-1-meds",
			Op:            string(models.OpCreate),
			Fields:        fieldsOf(map[string]string{"name": `"Metformin"`}),
			VersionVector: sync.VersionVector{},
			Origin:        "tablet_a",
		},
	}})
	if len(resp.Accepted) != 1 || resp.Accepted[0] != "mut-ok" {
		t.Errorf("Expected only mut-ok accepted, got %+v", resp.Accepted)
	}
	if len(resp.Rejected) != 0 {
		t.Errorf("Malformed mutations must not be offered for conflict detection, got %+v", resp.Rejected)
	}
}

func TestPull_PagingFollowsServerSeq(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	for i, entity := range []string{"rec-1", "rec-2", "rec-3"} {
		doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{{
			MutationID:    "mut-" + entity,
			EntityID:      entity,
			Op:            string(models.OpCreate),
			Fields:        fieldsOf(map[string]string{"idx": strconv.Itoa(i + 1)}),
			VersionVector: sync.VersionVector{},
			Origin:        "tablet_a",
		}}})
	}

	pull := doPull(t, router, token, "0")
	if len(pull.Records) != 3 || pull.NextCheckpoint != "3" {
		t.Fatalf("Expected 3 records at checkpoint 3, got %d at %q", len(pull.Records), pull.NextCheckpoint)
	}
	if pull.Records[0].EntityID != "rec-1" || pull.Records[2].EntityID != "rec-3" {
		t.Errorf("Expected feed order rec-1..rec-3, got %s..%s", pull.Records[0].EntityID, pull.Records[2].EntityID)
	}

	pull = doPull(t, router, token, "2")
	if len(pull.Records) != 1 || pull.Records[0].EntityID != "rec-3" {
		t.Errorf("Expected only rec-3 past checkpoint 2, got %d", len(pull.Records))
	}

	// An update moves the record to the end of the feed, so a caught-up
	// device picks it up on its next pull
	doPush(t, router, token, sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-rec-1-edit",
		EntityID:      "rec-1",
		Op:            string(models.OpUpdate),
		Fields:        fieldsOf(map[string]string{"idx": `10`}),
		VersionVector: sync.VersionVector{"tablet_a": 1},
		Origin:        "tablet_a",
	}}})
	pull = doPull(t, router, token, "3")
	if len(pull.Records) != 1 || pull.Records[0].EntityID != "rec-1" {
		t.Fatalf("Expected the edited record to reappear, got %d records", len(pull.Records))
	}
	if pull.NextCheckpoint != "4" {
		t.Errorf("Expected checkpoint 4 after the edit, got %q", pull.NextCheckpoint)
	}
}

func TestPull_InvalidCheckpoint(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	for _, since := range []string{"abc", "-5"} {
		r := httptest.NewRequest("GET", "/sync/pull?since="+since, nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for checkpoint %q, got %d", since, w.Code)
		}
	}
}

func TestSync_DeviceAuthorization(t *testing.T) {
	router, db, cfg := newTestServer(t)
	pendingToken := enrollDevice(t, db, cfg, "tablet_pending", models.DeviceStatusPending)
	blockedToken := enrollDevice(t, db, cfg, "tablet_blocked", models.DeviceStatusBlocked)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		// Valid signature, wrong authorization state
		{"pending device", pendingToken, http.StatusForbidden},
		{"blocked device", blockedToken, http.StatusForbidden},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/sync/pull?since=0", nil)
		if tc.token != "" {
			r.Header.Set("Authorization", "Bearer "+tc.token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
	}
}

func TestSync_GzipExchange(t *testing.T) {
	router, db, cfg := newTestServer(t)
	token := enrollDevice(t, db, cfg, "tablet_a", models.DeviceStatusActive)

	// Metered devices gzip the push body
	req := sync.PushRequest{Mutations: []sync.WireMutation{{
		MutationID:    "mut-1",
		EntityID:      "patient-1-meds",
		Op:            string(models.OpCreate),
		Fields:        fieldsOf(map[string]string{"name": `"Metformin"`}),
		VersionVector: sync.VersionVector{},
		Origin:        "tablet_a",
	}}}
	plain, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(plain)
	gz.Close()

	r := httptest.NewRequest("POST", "/sync/push", &buf)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Content-Encoding", "gzip")
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("Gzip push returned %d: %s", w.Code, w.Body.String())
	}
	var resp sync.PushResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Accepted) != 1 {
		t.Fatalf("Expected the inflated push applied, got %s (%v)", w.Body.String(), err)
	}

	// And they ask for a gzipped pull in return
	r = httptest.NewRequest("GET", "/sync/pull?since=0", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("Accept-Encoding", "gzip")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Expected a gzipped 200, got %d with %q", w.Code, w.Header().Get("Content-Encoding"))
	}
	gzr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("Failed to open the gzip response: %v", err)
	}
	defer gzr.Close()
	var pull sync.PullResponse
	if err := json.NewDecoder(gzr).Decode(&pull); err != nil {
		t.Fatalf("Failed to decode the inflated pull: %v", err)
	}
	if len(pull.Records) != 1 || pull.Records[0].EntityID != "patient-1-meds" {
		t.Errorf("Expected the pushed record in the pull, got %+v", pull.Records)
	}
}
