package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/capsim/capsim/internal/agent"
	"github.com/capsim/capsim/internal/domain"
	"github.com/capsim/capsim/internal/event"
	"github.com/capsim/capsim/internal/reference"
	"github.com/capsim/capsim/internal/repository"
)

// seedPopulation creates cfg.NumAgents Persons with profession,
// interest, and attribute draws from the reference tables, persists
// them, and buffers each run-participant binding for the first flush.
// Professions are assigned round-robin; every per-field draw comes from
// the run's single seeded *rand.Rand.
func (e *Engine) seedPopulation(ctx context.Context, tables *reference.Tables) error {
	professions := domain.AllProfessions()
	rows := make([]repository.PersonRow, 0, e.cfg.NumAgents)

	for i := 0; i < e.cfg.NumAgents; i++ {
		id := uint64(i + 1)
		profession := professions[i%len(professions)]
		sex := sexFemale
		if e.rng.Float64() < 0.5 {
			sex = sexMale
		}
		name := e.generateName(sex)
		birthDate := randomBirthDate(e.rng)

		p := agent.New(id, profession, name, string(sex), birthDate)
		for _, attr := range domain.AllAttributes() {
			r := tables.AttributeRange(profession, attr)
			p.Attributes = setAttr(p.Attributes, attr, drawRange(e.rng, r))
		}
		for _, cat := range domain.AllInterests() {
			r := tables.InterestRange(profession, cat)
			p.Interests[cat] = drawRange(e.rng, r)
		}
		p.BaseTimeBudget = p.Attributes.TimeBudget

		e.persons[id] = p
		e.participantIDs = append(e.participantIDs, id)

		rows = append(rows, repository.PersonRow{
			ID: id, Profession: string(profession), Name: name, Gender: string(sex), BirthDate: birthDate,
			FinancialCapability: p.Attributes.FinancialCapability,
			TrendReceptivity:    p.Attributes.TrendReceptivity,
			SocialStatus:        p.Attributes.SocialStatus,
			EnergyLevel:         p.Attributes.EnergyLevel,
			TimeBudget:          p.Attributes.TimeBudget,
			Interests:           interestsToStringMap(p.Interests),
		})
	}

	if err := e.repo.BulkUpsertPersons(ctx, rows); err != nil {
		return fmt.Errorf("seed population: %w", err)
	}
	// Participant bindings ride the batched commit path; the committer
	// flushes them ahead of attribute history, trends, and events, so
	// they are durable before anything that references them.
	for _, id := range e.participantIDs {
		e.committer.BufferParticipant(id)
	}
	return nil
}

// seedSystemEvents pushes the three recurring system events onto the
// queue at sim-time 0/360/1440.
func (e *Engine) seedSystemEvents() {
	_ = e.queue.Push(&event.Event{Priority: event.PrioritySystem, Timestamp: 0, Kind: event.KindDailyReset})
	_ = e.queue.Push(&event.Event{Priority: event.PrioritySystem, Timestamp: 360, Kind: event.KindEnergyRecovery})
	_ = e.queue.Push(&event.Event{Priority: event.PrioritySystem, Timestamp: 1440, Kind: event.KindSaveDailyTrends})
}

type sex string

const (
	sexMale   sex = "male"
	sexFemale sex = "female"
)

func setAttr(a agent.Attributes, attr domain.Attribute, v float64) agent.Attributes {
	switch attr {
	case domain.AttributeFinancialCapability:
		a.FinancialCapability = v
	case domain.AttributeTrendReceptivity:
		a.TrendReceptivity = v
	case domain.AttributeSocialStatus:
		a.SocialStatus = v
	case domain.AttributeEnergyLevel:
		a.EnergyLevel = v
	case domain.AttributeTimeBudget:
		a.TimeBudget = roundHalfStep(v)
	}
	return a
}

func roundHalfStep(v float64) float64 {
	return 0.5 * float64(int64(v/0.5+0.5))
}

func drawRange(rng interface{ Float64() float64 }, r reference.Range) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

func interestsToStringMap(m map[domain.InterestCategory]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

// randomBirthDate draws an adult birth date uniformly over a
// working-age window ending 18 years before a fixed epoch. Seeding must
// not read wall-clock time, so the epoch is pinned.
func randomBirthDate(rng interface{ Float64() float64 }) time.Time {
	const epochYear = 2026
	minAge, maxAge := 18, 70
	age := minAge + int(rng.Float64()*float64(maxAge-minAge))
	dayOfYear := int(rng.Float64() * 365)
	return time.Date(epochYear-age, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, dayOfYear)
}

// generateName pairs a sex-appropriate first name with a surname drawn
// from two fixed pools.
func (e *Engine) generateName(s sex) string {
	firsts := maleFirstNames
	if s == sexFemale {
		firsts = femaleFirstNames
	}
	first := firsts[e.rng.Intn(len(firsts))]
	last := surnames[e.rng.Intn(len(surnames))]
	return first + " " + last
}

var maleFirstNames = []string{
	"Liam", "Noah", "Oliver", "Elijah", "James", "William", "Benjamin",
	"Lucas", "Henry", "Alexander", "Mason", "Ethan", "Daniel", "Jacob",
	"Samuel", "David", "Joseph", "Carter", "Owen", "Wyatt",
}

var femaleFirstNames = []string{
	"Olivia", "Emma", "Ava", "Sophia", "Isabella", "Mia", "Amelia",
	"Harper", "Evelyn", "Abigail", "Emily", "Elizabeth", "Sofia",
	"Avery", "Ella", "Scarlett", "Grace", "Chloe", "Victoria", "Riley",
}

var surnames = []string{
	"Bennett", "Carter", "Reyes", "Coleman", "Fischer", "Hayes", "Patel",
	"Nguyen", "Morales", "Whitfield", "Okafor", "Larsen", "Marsh",
	"Delgado", "Petrov", "Holloway", "Sato", "Abara", "Lindqvist", "Mercer",
}
