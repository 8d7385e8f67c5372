package intake

import "testing"

func TestParseRawExtraction_Shapes(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantName string
		wantOK   bool
	}{
		{"plain object", `{"name":"Juan Dela Cruz"}`, "Juan Dela Cruz", true},
		{"output wrapper", `{"output":{"fullname":"Juan Dela Cruz"}}`, "Juan Dela Cruz", true},
		{"result wrapper", `{"result":{"name":"Juan Dela Cruz"}}`, "Juan Dela Cruz", true},
		{"null output falls through", `{"output":null,"result":{"name":"Juan Dela Cruz"}}`, "Juan Dela Cruz", true},
		{"json in string", `{"output":"{\"name\":\"Juan Dela Cruz\"}"}`, "Juan Dela Cruz", true},
		{"json in prose", `{"output":"Sure! Here it is:\n{\"name\": \"Juan Dela Cruz\"}\nThanks"}`, "Juan Dela Cruz", true},
		{"bare prose body", "Result: {\"name\":\"Juan Dela Cruz\"}", "Juan Dela Cruz", true},
		{"no object", `{"output":"I could not read the form"}`, "", false},
		{"array", `[1,2,3]`, "", false},
		{"empty", ``, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRawExtraction([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got.NameOrEmpty() != tt.wantName {
				t.Errorf("name = %q, want %q", got.NameOrEmpty(), tt.wantName)
			}
		})
	}
}

func TestParseRawExtraction_KeySpellings(t *testing.T) {
	raw := `{
		"fullname": "Maria Clara",
		"dob": "12/25/1985",
		"lastvisited": "2024-02-03",
		"phonenumber": 9175550101,
		"contact_email": "maria@example.com",
		"blood_group": "O+",
		"sex": "Female",
		"hospital": "Manila",
		"s1": "Fever",
		"s2": " ",
		"s3": null,
		"notes": "Rest"
	}`
	got, ok := ParseRawExtraction([]byte(raw))
	if !ok {
		t.Fatal("expected object")
	}
	checks := map[string]*string{
		"Maria Clara":       got.Name,
		"12/25/1985":        got.DateOfBirth,
		"2024-02-03":        got.Visited,
		"9175550101":        got.Phone,
		"maria@example.com": got.Email,
		"O+":                got.BloodType,
		"Female":            got.Gender,
		"Manila":            got.Place,
		"Fever":             got.Symptom1,
		"Rest":              got.Summary,
	}
	for want, v := range checks {
		if v == nil || *v != want {
			t.Errorf("expected %q, got %v", want, v)
		}
	}
	if got.Symptom2 != nil || got.Symptom3 != nil {
		t.Errorf("blank symptoms should be nil: %v %v", got.Symptom2, got.Symptom3)
	}
}

func TestParseRawExtraction_PrefersCanonicalKey(t *testing.T) {
	got, _ := ParseRawExtraction([]byte(`{"name":"A","fullname":"B","place":"","location":"Cebu"}`))
	if *got.Name != "A" {
		t.Errorf("expected canonical key first, got %s", *got.Name)
	}
	if got.Place == nil || *got.Place != "Cebu" {
		t.Errorf("expected blank place to fall back to location, got %v", got.Place)
	}
}

func TestExtractionResult_Normalize(t *testing.T) {
	e := ExtractionResult{
		Name:        strp("  Juan Dela Cruz "),
		DateOfBirth: strp("3/4/1990"),
		Visited:     strp("2024-01-15T08:30:00Z"),
		Place:       strp("   "),
		Phone:       strp("(0917) 555-0101"),
	}
	e.Normalize()
	if *e.Name != "Juan Dela Cruz" {
		t.Errorf("name not trimmed: %q", *e.Name)
	}
	if *e.DateOfBirth != "03-04-1990" || *e.Visited != "01-15-2024" {
		t.Errorf("dates not canonical: %s %s", *e.DateOfBirth, *e.Visited)
	}
	if e.Place != nil {
		t.Errorf("blank place should be nil")
	}
	if d := e.PhoneDigits(); d == nil || *d != "09175550101" {
		t.Errorf("unexpected phone digits %v", d)
	}
}

func TestExtractionResult_NormalizeKeepsUnparsableDate(t *testing.T) {
	e := ExtractionResult{DateOfBirth: strp("sometime in May")}
	e.Normalize()
	if *e.DateOfBirth != "sometime in May" {
		t.Errorf("unparsable date should pass through, got %q", *e.DateOfBirth)
	}
}
