package patient

import (
	"reflect"
	"testing"
)

func strp(s string) *string { return &s }

func TestFillFields_NeverOverwrites(t *testing.T) {
	p := &Patient{Name: "Maria Santos", Place: strp("Manila")}
	changed := FillFields{Place: strp("Cebu"), Gender: strp("F")}.Apply(p)

	if *p.Place != "Manila" {
		t.Errorf("place overwritten: %s", *p.Place)
	}
	if p.Gender == nil || *p.Gender != "F" {
		t.Errorf("expected gender filled, got %v", p.Gender)
	}
	if !reflect.DeepEqual(changed, []string{"gender"}) {
		t.Errorf("unexpected changed fields %v", changed)
	}
}

func TestFillFields_BlankStoredValueIsAbsent(t *testing.T) {
	p := &Patient{Email: strp("  ")}
	changed := FillFields{Email: strp("a@b.ph"), Phone: strp("  ")}.Apply(p)
	if *p.Email != "a@b.ph" {
		t.Errorf("expected blank email to be filled, got %q", *p.Email)
	}
	if p.Phone != nil {
		t.Error("blank extracted phone must not be applied")
	}
	if len(changed) != 1 {
		t.Errorf("unexpected changed %v", changed)
	}
}

func TestFillFields_NothingExtracted(t *testing.T) {
	p := &Patient{}
	if changed := (FillFields{}).Apply(p); changed != nil {
		t.Errorf("expected no changes, got %v", changed)
	}
}

func TestPatient_CloneIsDeep(t *testing.T) {
	p := &Patient{ID: "p1", Phone: strp("0917"), RecordIDs: []string{"r1"}}
	c := p.Clone()
	*c.Phone = "0000"
	c.RecordIDs[0] = "changed"
	if *p.Phone != "0917" || p.RecordIDs[0] != "r1" {
		t.Error("clone aliases original")
	}
	if !p.HasRecord("r1") || p.HasRecord("r2") {
		t.Error("HasRecord mismatch")
	}
}

func TestVisitRecord_Symptoms(t *testing.T) {
	r := &VisitRecord{Symptom1: strp(" Fever "), Symptom2: strp(""), Symptom3: strp("Fever")}
	if got := r.Symptoms(); !reflect.DeepEqual(got, []string{"Fever"}) {
		t.Errorf("unexpected symptoms %v", got)
	}
}
