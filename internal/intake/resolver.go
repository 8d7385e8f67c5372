package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/pkg/normalize"
)

// MatchTier names the rule that matched an existing patient.
type MatchTier string

const (
	TierNone          MatchTier = ""
	TierEmail         MatchTier = "email"
	TierName          MatchTier = "name"
	TierDateOfBirth   MatchTier = "dateofbirth"
	TierPhone         MatchTier = "phone"
	TierInitialLast   MatchTier = "initial_last"
	TierTokenContains MatchTier = "token_containment"
)

// fillAttempts bounds the refetch-and-reapply loop of a field-fill update
// that loses a version race.
const fillAttempts = 3

// Resolution is the patient a form was resolved to.
type Resolution struct {
	Patient   *patient.Patient
	MatchedBy MatchTier
	Created   bool
	Filled    []string
}

// Resolver decides which patient an extraction belongs to.
type Resolver struct {
	patients patient.PatientRepository
	logger   zerolog.Logger
}

func NewResolver(patients patient.PatientRepository, logger zerolog.Logger) *Resolver {
	return &Resolver{patients: patients, logger: logger.With().Str("component", "resolver").Logger()}
}

// candidate is a patient with its comparison keys computed once.
type candidate struct {
	p      *patient.Patient
	name   string
	tokens []string
	dob    string
	phone  string
}

func newCandidate(p *patient.Patient) candidate {
	c := candidate{p: p, name: normalize.Name(p.Name)}
	c.tokens = strings.Fields(c.name)
	if p.DateOfBirth != nil {
		c.dob = normalize.DateDigits(*p.DateOfBirth)
	}
	if p.Phone != nil {
		c.phone = normalize.Digits(*p.Phone)
	}
	return c
}

// probe is the extraction side of the comparison.
type probe struct {
	email  string
	name   string
	tokens []string
	dob    string
	phone  string
}

func newProbe(e ExtractionResult) probe {
	pr := probe{name: normalize.Name(e.NameOrEmpty())}
	pr.tokens = strings.Fields(pr.name)
	if e.Email != nil {
		pr.email = strings.ToLower(strings.TrimSpace(*e.Email))
	}
	if e.DateOfBirth != nil {
		pr.dob = normalize.DateDigits(*e.DateOfBirth)
	}
	if d := e.PhoneDigits(); d != nil {
		pr.phone = *d
	}
	return pr
}

type tierRule struct {
	tier  MatchTier
	match func(pr probe, c candidate) bool
}

// tiers are tried in order over the full candidate list; the first rule
// with any matching candidate wins.
var tiers = []tierRule{
	{TierEmail, func(pr probe, c candidate) bool {
		if pr.email == "" || c.p.Email == nil {
			return false
		}
		stored := strings.ToLower(strings.TrimSpace(*c.p.Email))
		return stored != "" && stored == pr.email
	}},
	{TierName, func(pr probe, c candidate) bool {
		return pr.name != "" && pr.name == c.name
	}},
	{TierDateOfBirth, func(pr probe, c candidate) bool {
		if pr.name == "" || pr.dob == "" || c.dob == "" {
			return false
		}
		return pr.dob == c.dob ||
			strings.HasPrefix(pr.dob, c.dob) || strings.HasPrefix(c.dob, pr.dob) ||
			strings.HasSuffix(pr.dob, c.dob) || strings.HasSuffix(c.dob, pr.dob) ||
			sameDayShortYear(pr.dob, c.dob)
	}},
	{TierPhone, func(pr probe, c candidate) bool {
		return pr.phone != "" && pr.phone == c.phone
	}},
	{TierInitialLast, func(pr probe, c candidate) bool {
		if len(pr.tokens) == 0 || len(c.tokens) == 0 {
			return false
		}
		pf, cf := []rune(pr.tokens[0]), []rune(c.tokens[0])
		return pf[0] == cf[0] && pr.tokens[len(pr.tokens)-1] == c.tokens[len(c.tokens)-1]
	}},
	{TierTokenContains, func(pr probe, c candidate) bool {
		if len(pr.tokens) == 0 || c.name == "" {
			return false
		}
		for _, t := range pr.tokens {
			if !strings.Contains(c.name, t) {
				return false
			}
		}
		return true
	}},
}

// sameDayShortYear reports whether two MMDDYYYY digit strings share month
// and day and agree on the year modulo 100. A form written 3/4/90 is read
// as 2090 and must still meet 03-04-1990.
func sameDayShortYear(a, b string) bool {
	if len(a) != 8 || len(b) != 8 {
		return false
	}
	return a[:4] == b[:4] && a[6:] == b[6:]
}

// Match applies the tiers to patients and returns the first hit.
func Match(e ExtractionResult, patients []*patient.Patient) (*patient.Patient, MatchTier) {
	pr := newProbe(e)
	cands := make([]candidate, 0, len(patients))
	for _, p := range patients {
		cands = append(cands, newCandidate(p))
	}
	for _, rule := range tiers {
		for _, c := range cands {
			if rule.match(pr, c) {
				return c.p, rule.tier
			}
		}
	}
	return nil, TierNone
}

// Resolve finds or creates the patient for e. A failing patient listing is
// reported on out as a warning and handled as "no match". Creation
// failures are fatal.
func (r *Resolver) Resolve(ctx context.Context, e ExtractionResult, out *Outcome) (*Resolution, error) {
	all, err := r.patients.ListAll(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("patient listing failed, resolving as new patient")
		out.warn(WarnPatientListingFailed, StepResolve, err)
		all = nil
	}

	if p, tier := Match(e, all); p != nil {
		updated, filled, err := r.fill(ctx, p, e.fillFields())
		if err != nil {
			return nil, &StepError{Step: StepFill, Err: err}
		}
		res := &Resolution{Patient: updated, MatchedBy: tier, Filled: filled}
		r.logger.Debug().Str("patient_id", p.ID).Str("tier", string(tier)).Strs("filled", filled).Msg("resolved existing patient")
		return res, nil
	}

	p, err := r.create(ctx, e)
	if err != nil {
		return nil, &StepError{Step: StepCreate, Err: err}
	}
	r.logger.Info().Str("patient_id", p.ID).Msg("created patient from intake")
	return &Resolution{Patient: p, Created: true}, nil
}

// fill applies a field-fill update. On a version conflict the patient is
// refetched and the fill recomputed so a concurrent write is never
// overwritten.
func (r *Resolver) fill(ctx context.Context, p *patient.Patient, f patient.FillFields) (*patient.Patient, []string, error) {
	cur := p.Clone()
	for attempt := 1; ; attempt++ {
		changed := f.Apply(cur)
		if len(changed) == 0 {
			return cur, nil, nil
		}
		err := r.patients.Update(ctx, cur)
		if err == nil {
			return cur, changed, nil
		}
		if !errors.Is(err, patient.ErrConflict) || attempt == fillAttempts {
			return nil, nil, fmt.Errorf("fill patient %s: %w", p.ID, err)
		}
		if cur, err = r.patients.GetByID(ctx, p.ID); err != nil {
			return nil, nil, fmt.Errorf("refetch patient %s: %w", p.ID, err)
		}
	}
}

func (r *Resolver) create(ctx context.Context, e ExtractionResult) (*patient.Patient, error) {
	name := e.NameOrEmpty()
	if name == "" {
		name = "Unknown"
	}
	p := &patient.Patient{
		Name:        name,
		DateOfBirth: e.DateOfBirth,
		LastVisited: e.Visited,
		Phone:       e.PhoneDigits(),
		Email:       e.Email,
		Place:       e.Place,
		Gender:      e.Gender,
		BloodType:   e.BloodType,
		RecordIDs:   []string{},
	}
	if err := r.patients.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
