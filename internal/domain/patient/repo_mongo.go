package patient

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names follow the documents the intake forms were first stored in.
const (
	PatientsCollection = "patients"
	RecordsCollection  = "records"
)

// -- Patient Repository --

type patientRepoMongo struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewPatientRepoMongo(db *mongo.Database) PatientRepository {
	return &patientRepoMongo{coll: db.Collection(PatientsCollection), now: time.Now}
}

func (r *patientRepoMongo) Create(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.RecordIDs == nil {
		p.RecordIDs = []string{}
	}
	now := r.now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if _, err := r.coll.InsertOne(ctx, p); err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

func (r *patientRepoMongo) GetByID(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoMongo) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return r.find(ctx, bson.M{}, limit, offset)
}

func (r *patientRepoMongo) ListAll(ctx context.Context) ([]*Patient, error) {
	cursor, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var patients []*Patient
	if err := cursor.All(ctx, &patients); err != nil {
		return nil, err
	}
	return patients, nil
}

func (r *patientRepoMongo) SearchByName(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	filter := bson.M{"name": bson.Regex{Pattern: regexp.QuoteMeta(strings.TrimSpace(query)), Options: "i"}}
	return r.find(ctx, filter, limit, offset)
}

func (r *patientRepoMongo) find(ctx context.Context, filter bson.M, limit, offset int) ([]*Patient, int, error) {
	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.D{{Key: "name", Value: 1}})
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var patients []*Patient
	if err := cursor.All(ctx, &patients); err != nil {
		return nil, 0, err
	}
	return patients, int(total), nil
}

func (r *patientRepoMongo) Update(ctx context.Context, p *Patient) error {
	now := r.now().UTC()
	set := bson.M{
		"name":       p.Name,
		"updated_at": now,
	}
	unset := bson.M{}
	optional := map[string]*string{
		"dateofbirth": p.DateOfBirth,
		"lastvisited": p.LastVisited,
		"phonenumber": p.Phone,
		"email":       p.Email,
		"place":       p.Place,
		"gender":      p.Gender,
		"bloodtype":   p.BloodType,
		"profile":     p.ProfileImageURL,
	}
	for k, v := range optional {
		if v == nil {
			unset[k] = ""
			continue
		}
		set[k] = *v
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": p.ID, "version": p.Version}, update)
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.missOrConflict(ctx, p.ID)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (r *patientRepoMongo) SetRecordIDs(ctx context.Context, id string, recordIDs []string, expectedVersion int64) (int64, error) {
	if recordIDs == nil {
		recordIDs = []string{}
	}
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "version": expectedVersion},
		bson.M{
			"$set": bson.M{"recordsid": recordIDs, "updated_at": r.now().UTC()},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("patient set records: %w", err)
	}
	if res.MatchedCount == 0 {
		return 0, r.missOrConflict(ctx, id)
	}
	return expectedVersion + 1, nil
}

func (r *patientRepoMongo) missOrConflict(ctx context.Context, id string) error {
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// -- Visit Record Repository --

type visitRecordRepoMongo struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewVisitRecordRepoMongo(db *mongo.Database) VisitRecordRepository {
	return &visitRecordRepoMongo{coll: db.Collection(RecordsCollection), now: time.Now}
}

func (r *visitRecordRepoMongo) Create(ctx context.Context, rec *VisitRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = r.now().UTC()
	if _, err := r.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("visit record create: %w", err)
	}
	return nil
}

func (r *visitRecordRepoMongo) GetByID(ctx context.Context, id string) (*VisitRecord, error) {
	var rec VisitRecord
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *visitRecordRepoMongo) ListByPatient(ctx context.Context, patientID string) ([]*VisitRecord, error) {
	return r.find(ctx, bson.M{"patientsid": patientID})
}

func (r *visitRecordRepoMongo) ListByName(ctx context.Context, name string) ([]*VisitRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	pattern := `^\s*` + regexp.QuoteMeta(name) + `\s*$`
	return r.find(ctx, bson.M{"name": bson.Regex{Pattern: pattern, Options: "i"}})
}

func (r *visitRecordRepoMongo) ListAll(ctx context.Context) ([]*VisitRecord, error) {
	return r.find(ctx, bson.M{})
}

func (r *visitRecordRepoMongo) SetPatientID(ctx context.Context, id, patientID string) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"patientsid": patientID}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *visitRecordRepoMongo) find(ctx context.Context, filter bson.M) ([]*VisitRecord, error) {
	cursor, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*VisitRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// EnsureMongoIndexes creates the lookup indexes the repositories query by.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	patients := []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}},
	}
	records := []mongo.IndexModel{
		{Keys: bson.D{{Key: "patientsid", Value: 1}}},
		{Keys: bson.D{{Key: "name", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	}
	if _, err := db.Collection(PatientsCollection).Indexes().CreateMany(ctx, patients); err != nil {
		return fmt.Errorf("create patient indexes: %w", err)
	}
	if _, err := db.Collection(RecordsCollection).Indexes().CreateMany(ctx, records); err != nil {
		return fmt.Errorf("create record indexes: %w", err)
	}
	return nil
}
