// Package dice implements the server-side roller used by shared dice sessions.
//
// Clients only ever send the dice they want rolled; every value is drawn
// here so that no client-computed result is trusted.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Die is one entry of the fixed dice vocabulary.
type Die struct {
	Name  string
	Faces int
}

// Vocabulary lists the supported dice in roll order.
var Vocabulary = []Die{
	{Name: "d4", Faces: 4},
	{Name: "d6", Faces: 6},
	{Name: "d8", Faces: 8},
	{Name: "d10", Faces: 10},
	{Name: "d12", Faces: 12},
	{Name: "d20", Faces: 20},
}

// Mode describes how each die roll is resolved.
type Mode string

const (
	ModeNormal       Mode = "normal"
	ModeAdvantage    Mode = "advantage"
	ModeDisadvantage Mode = "disadvantage"
)

// MaxQuantity is the most dice of one type a single roll may draw.
const MaxQuantity = 100

var (
	// ErrNoDice indicates a request named no supported die with a positive quantity.
	ErrNoDice = errors.New("at least one supported die with a positive quantity is required")
	// ErrTooManyDice indicates a quantity above MaxQuantity.
	ErrTooManyDice = fmt.Errorf("at most %d dice of one type may be rolled", MaxQuantity)
)

// Request describes a roll asked for by a player.
type Request struct {
	PlayerName   string
	Dice         map[string]int
	Advantage    bool
	Disadvantage bool
}

// Draw is the resolved value of one die. Under advantage or disadvantage
// Rolls keeps both raw draws that produced Value.
type Draw struct {
	Value int   `json:"value"`
	Rolls []int `json:"rolls,omitempty"`
}

// DieResult groups the draws for one die type.
type DieResult struct {
	Die      string `json:"die"`
	Faces    int    `json:"faces"`
	Quantity int    `json:"quantity"`
	Draws    []Draw `json:"draws"`
	Subtotal int    `json:"subtotal"`
}

// Roll is a completed roll as it is stored in a session's history.
type Roll struct {
	ID         string      `json:"id"`
	PlayerName string      `json:"playerName"`
	Mode       Mode        `json:"mode"`
	Results    []DieResult `json:"results"`
	GrandTotal int         `json:"grandTotal"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Roller draws dice from a seeded source.
type Roller struct {
	mu    sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
	newID func() (string, error)
}

// NewRoller creates a roller seeded with seed.
func NewRoller(seed int64) *Roller {
	return &Roller{
		rng:   rand.New(rand.NewSource(seed)),
		now:   time.Now,
		newID: func() (string, error) { return gonanoid.New() },
	}
}

// ResolveMode maps the advantage flags to a roll mode. Advantage wins when
// both flags are set.
func ResolveMode(advantage, disadvantage bool) Mode {
	switch {
	case advantage:
		return ModeAdvantage
	case disadvantage:
		return ModeDisadvantage
	default:
		return ModeNormal
	}
}

// Roll performs every draw in req and returns the aggregated record.
//
// Dice are processed in Vocabulary order; names outside the vocabulary and
// non-positive quantities are ignored. ErrNoDice is returned when nothing
// remains to roll and ErrTooManyDice when a quantity exceeds MaxQuantity.
func (r *Roller) Roll(req Request) (Roll, error) {
	mode := ResolveMode(req.Advantage, req.Disadvantage)

	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]DieResult, 0, len(Vocabulary))
	total := 0
	for _, die := range Vocabulary {
		quantity := req.Dice[die.Name]
		if quantity <= 0 {
			continue
		}
		if quantity > MaxQuantity {
			return Roll{}, fmt.Errorf("%w: %s x%d", ErrTooManyDice, die.Name, quantity)
		}

		draws := make([]Draw, quantity)
		subtotal := 0
		for i := range draws {
			draws[i] = r.draw(die.Faces, mode)
			subtotal += draws[i].Value
		}

		results = append(results, DieResult{
			Die:      die.Name,
			Faces:    die.Faces,
			Quantity: quantity,
			Draws:    draws,
			Subtotal: subtotal,
		})
		total += subtotal
	}

	if len(results) == 0 {
		return Roll{}, ErrNoDice
	}

	id, err := r.newID()
	if err != nil {
		return Roll{}, err
	}

	return Roll{
		ID:         id,
		PlayerName: req.PlayerName,
		Mode:       mode,
		Results:    results,
		GrandTotal: total,
		Timestamp:  r.now(),
	}, nil
}

func (r *Roller) draw(faces int, mode Mode) Draw {
	first := rollDie(r.rng, faces)
	if mode == ModeNormal {
		return Draw{Value: first}
	}

	second := rollDie(r.rng, faces)
	value := max(first, second)
	if mode == ModeDisadvantage {
		value = min(first, second)
	}
	return Draw{Value: value, Rolls: []int{first, second}}
}

func rollDie(rng *rand.Rand, faces int) int {
	return rng.Intn(faces) + 1
}
