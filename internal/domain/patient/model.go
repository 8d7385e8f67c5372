package patient

import (
	"time"
)

// Patient is one person with a visit history. RecordIDs has set semantics;
// Version is bumped on every write and guards concurrent updates.
type Patient struct {
	ID              string    `db:"id" bson:"_id" json:"id"`
	Name            string    `db:"name" bson:"name" json:"name"`
	DateOfBirth     *string   `db:"date_of_birth" bson:"dateofbirth,omitempty" json:"dateofbirth,omitempty"`
	LastVisited     *string   `db:"last_visited" bson:"lastvisited,omitempty" json:"lastvisited,omitempty"`
	Phone           *string   `db:"phone" bson:"phonenumber,omitempty" json:"phonenumber,omitempty"`
	Email           *string   `db:"email" bson:"email,omitempty" json:"email,omitempty"`
	Place           *string   `db:"place" bson:"place,omitempty" json:"place,omitempty"`
	Gender          *string   `db:"gender" bson:"gender,omitempty" json:"gender,omitempty"`
	BloodType       *string   `db:"blood_type" bson:"bloodtype,omitempty" json:"bloodtype,omitempty"`
	ProfileImageURL *string   `db:"profile_image_url" bson:"profile,omitempty" json:"profile,omitempty"`
	RecordIDs       []string  `db:"record_ids" bson:"recordsid" json:"recordsid"`
	Version         int64     `db:"version" bson:"version" json:"version"`
	CreatedAt       time.Time `db:"created_at" bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" bson:"updated_at" json:"updated_at"`
}

// HasRecord reports whether id is already linked.
func (p *Patient) HasRecord(id string) bool {
	for _, r := range p.RecordIDs {
		if r == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	out := *p
	out.DateOfBirth = cloneStr(p.DateOfBirth)
	out.LastVisited = cloneStr(p.LastVisited)
	out.Phone = cloneStr(p.Phone)
	out.Email = cloneStr(p.Email)
	out.Place = cloneStr(p.Place)
	out.Gender = cloneStr(p.Gender)
	out.BloodType = cloneStr(p.BloodType)
	out.ProfileImageURL = cloneStr(p.ProfileImageURL)
	out.RecordIDs = append([]string{}, p.RecordIDs...)
	return &out
}

// FillFields is the set of attributes intake may populate on an existing
// patient. A nil field means "nothing extracted".
type FillFields struct {
	Phone     *string
	Email     *string
	Place     *string
	Gender    *string
	BloodType *string
}

// Apply sets each present field whose current value on p is absent and
// returns the names of the fields it changed. Existing values are kept.
func (f FillFields) Apply(p *Patient) []string {
	var changed []string
	fill := func(name string, dst **string, src *string) {
		if isBlank(src) || !isBlank(*dst) {
			return
		}
		v := *src
		*dst = &v
		changed = append(changed, name)
	}
	fill("phonenumber", &p.Phone, f.Phone)
	fill("email", &p.Email, f.Email)
	fill("place", &p.Place, f.Place)
	fill("gender", &p.Gender, f.Gender)
	fill("bloodtype", &p.BloodType, f.BloodType)
	return changed
}

// ProfileUpdate is an explicit staff edit of a patient profile. Unlike
// FillFields it overwrites whatever is stored.
type ProfileUpdate struct {
	Name        string  `json:"name" validate:"required,max=200"`
	DateOfBirth *string `json:"dateofbirth,omitempty" validate:"omitempty,max=40"`
	LastVisited *string `json:"lastvisited,omitempty" validate:"omitempty,max=40"`
	Phone       *string `json:"phonenumber,omitempty" validate:"omitempty,max=40"`
	Email       *string `json:"email,omitempty" validate:"omitempty,email"`
	Place       *string `json:"place,omitempty" validate:"omitempty,max=200"`
	Gender      *string `json:"gender,omitempty" validate:"omitempty,max=40"`
	BloodType   *string `json:"bloodtype,omitempty" validate:"omitempty,max=10"`
	// Version, when set, must match the stored document.
	Version int64 `json:"version,omitempty"`
}

// VisitRecord is one scanned encounter. PatientName is a denormalized
// fallback join key and is never authoritative when PatientID is set.
type VisitRecord struct {
	ID          string    `db:"id" bson:"_id" json:"id"`
	PatientID   string    `db:"patient_id" bson:"patientsid" json:"patientsid"`
	PatientName string    `db:"patient_name" bson:"name,omitempty" json:"name,omitempty"`
	VisitDate   string    `db:"visit_date" bson:"recorddate" json:"recorddate"`
	Symptom1    *string   `db:"symptom1" bson:"symptom1,omitempty" json:"symptom1,omitempty"`
	Symptom2    *string   `db:"symptom2" bson:"symptom2,omitempty" json:"symptom2,omitempty"`
	Symptom3    *string   `db:"symptom3" bson:"symptom3,omitempty" json:"symptom3,omitempty"`
	Summary     *string   `db:"summary" bson:"summary,omitempty" json:"summary,omitempty"`
	Place       *string   `db:"place" bson:"place,omitempty" json:"place,omitempty"`
	ImageURL    string    `db:"image_url" bson:"image" json:"image"`
	ImageFileID string    `db:"image_file_id" bson:"image_file_id" json:"image_file_id"`
	CreatedAt   time.Time `db:"created_at" bson:"created_at" json:"created_at"`
}

// Symptoms returns the non-blank symptom fields, trimmed, without duplicates.
func (r *VisitRecord) Symptoms() []string {
	seen := make(map[string]bool, 3)
	var out []string
	for _, s := range []*string{r.Symptom1, r.Symptom2, r.Symptom3} {
		if isBlank(s) {
			continue
		}
		v := trim(*s)
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Clone returns a deep copy.
func (r *VisitRecord) Clone() *VisitRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Symptom1 = cloneStr(r.Symptom1)
	out.Symptom2 = cloneStr(r.Symptom2)
	out.Symptom3 = cloneStr(r.Symptom3)
	out.Summary = cloneStr(r.Summary)
	out.Place = cloneStr(r.Place)
	return &out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
