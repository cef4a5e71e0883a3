//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"careverify/internal/evv/models"
	"careverify/internal/evv/store"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
	"careverify/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	records  *store.PostgresRecordStore
	entries  *store.PostgresTimeEntryStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.records = store.NewPostgresRecordStore(s.postgres.DB)
	s.entries = store.NewPostgresTimeEntryStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "evv_records", "time_entries")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newRecord() models.EVVRecord {
	mustRecordID := func(raw string) id.RecordID {
		rid, err := id.ParseRecordID(raw)
		s.Require().NoError(err)
		return rid
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := models.EVVRecord{
		ID:           mustRecordID(uuid.NewString()),
		ServiceType:  "T1019",
		Jurisdiction: "OH",
		ServiceDate:  now,
		ClockInAt:    now,
		ClockInLoc: &models.Location{
			Latitude:       39.9612,
			Longitude:      -82.9988,
			AccuracyMeters: 8,
			Timestamp:      now,
			Method:         "GPS",
		},
		Level:           models.VerificationFull,
		ComplianceFlags: []models.IssueCode{models.IssueOutsideGeofence},
		Status:          models.StatusOpen,
		IntegrityHash:   "abc123",
		Version:         1,
	}
	var err error
	rec.OrganizationID, err = id.ParseOrganizationID(uuid.NewString())
	s.Require().NoError(err)
	rec.BranchID, err = id.ParseBranchID(uuid.NewString())
	s.Require().NoError(err)
	rec.VisitID, err = id.ParseVisitID(uuid.NewString())
	s.Require().NoError(err)
	rec.ClientID, err = id.ParseClientID(uuid.NewString())
	s.Require().NoError(err)
	rec.CaregiverID, err = id.ParseCaregiverID(uuid.NewString())
	s.Require().NoError(err)
	return rec
}

func (s *PostgresStoreSuite) TestRecordRoundTrip() {
	ctx := context.Background()
	rec := s.newRecord()

	s.Require().NoError(s.records.Save(ctx, rec))

	got, err := s.records.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(rec.Jurisdiction, got.Jurisdiction)
	s.Require().NotNil(got.ClockInLoc)
	s.InDelta(rec.ClockInLoc.Latitude, got.ClockInLoc.Latitude, 1e-9)
	s.Equal(rec.ComplianceFlags, got.ComplianceFlags)
	s.Nil(got.ClockOutAt)
}

func (s *PostgresStoreSuite) TestFindMissingRecord() {
	rid, err := id.ParseRecordID(uuid.NewString())
	s.Require().NoError(err)

	_, err = s.records.FindByID(context.Background(), rid)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestVersionedUpdateRejectsStaleWriter() {
	ctx := context.Background()
	rec := s.newRecord()
	s.Require().NoError(s.records.Save(ctx, rec))

	rec.Status = models.StatusPendingVerification
	s.Require().NoError(s.records.UpdateVersioned(ctx, rec, 1))

	// A second writer still holding version 1 must lose.
	rec.Status = models.StatusFlaggedForReview
	err := s.records.UpdateVersioned(ctx, rec, 1)
	s.Require().ErrorIs(err, sentinel.ErrVersionMismatch)

	got, err := s.records.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPendingVerification, got.Status)
	s.Equal(int64(2), got.Version)
}

func (s *PostgresStoreSuite) TestLastVerifiedLocationSkipsUnverified() {
	ctx := context.Background()
	rec := s.newRecord()
	base := time.Now().UTC().Truncate(time.Microsecond)

	saveEntry := func(offset time.Duration, verified bool, lat float64) {
		eid, err := id.ParseEntryID(uuid.NewString())
		s.Require().NoError(err)
		s.Require().NoError(s.entries.Save(ctx, models.TimeEntry{
			ID:          eid,
			RecordID:    rec.ID,
			CaregiverID: rec.CaregiverID,
			Type:        models.EntryCheckIn,
			Timestamp:   base.Add(offset),
			Location: &models.Location{
				Latitude:  lat,
				Longitude: -82.9988,
				Timestamp: base.Add(offset),
			},
			Verified:  verified,
			ChainHash: uuid.NewString(),
		}))
	}

	saveEntry(0, true, 39.90)
	saveEntry(10*time.Minute, true, 39.95)
	saveEntry(20*time.Minute, false, 41.00)

	loc, err := s.entries.LastVerifiedLocation(ctx, rec.CaregiverID)
	s.Require().NoError(err)
	s.Require().NotNil(loc)
	s.InDelta(39.95, loc.Latitude, 1e-9)
}

func (s *PostgresStoreSuite) TestEntriesOrderedByOccurrence() {
	ctx := context.Background()
	rec := s.newRecord()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, offset := range []time.Duration{30 * time.Minute, 0, 10 * time.Minute} {
		eid, err := id.ParseEntryID(uuid.NewString())
		s.Require().NoError(err)
		entryType := models.EntryCheckIn
		if i == 1 {
			entryType = models.EntryClockIn
		}
		s.Require().NoError(s.entries.Save(ctx, models.TimeEntry{
			ID:          eid,
			RecordID:    rec.ID,
			CaregiverID: rec.CaregiverID,
			Type:        entryType,
			Timestamp:   base.Add(offset),
			ChainHash:   uuid.NewString(),
		}))
	}

	got, err := s.entries.ListByRecord(ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	s.Equal(models.EntryClockIn, got[0].Type)
	s.True(got[0].Timestamp.Before(got[1].Timestamp))
	s.True(got[1].Timestamp.Before(got[2].Timestamp))
}
