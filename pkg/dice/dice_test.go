package dice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoller_SingleD20(t *testing.T) {
	roller := NewRoller(42)

	for i := 0; i < 200; i++ {
		roll, err := roller.Roll(Request{PlayerName: "Aria", Dice: map[string]int{"d20": 1}})
		require.NoError(t, err)

		require.Len(t, roll.Results, 1)
		result := roll.Results[0]
		assert.Equal(t, "d20", result.Die)
		assert.Equal(t, 20, result.Faces)
		require.Len(t, result.Draws, 1)

		value := result.Draws[0].Value
		assert.GreaterOrEqual(t, value, 1)
		assert.LessOrEqual(t, value, 20)
		assert.Empty(t, result.Draws[0].Rolls)
		assert.Equal(t, value, roll.GrandTotal)
		assert.Equal(t, ModeNormal, roll.Mode)
		assert.Equal(t, "Aria", roll.PlayerName)
		assert.NotEmpty(t, roll.ID)
	}
}

func TestRoller_Advantage(t *testing.T) {
	roller := NewRoller(7)

	for i := 0; i < 200; i++ {
		roll, err := roller.Roll(Request{Dice: map[string]int{"d20": 1}, Advantage: true})
		require.NoError(t, err)

		draw := roll.Results[0].Draws[0]
		require.Len(t, draw.Rolls, 2)
		for _, raw := range draw.Rolls {
			assert.GreaterOrEqual(t, raw, 1)
			assert.LessOrEqual(t, raw, 20)
		}
		assert.Equal(t, max(draw.Rolls[0], draw.Rolls[1]), draw.Value)
		assert.Equal(t, draw.Value, roll.GrandTotal)
		assert.Equal(t, ModeAdvantage, roll.Mode)
	}
}

func TestRoller_Disadvantage(t *testing.T) {
	roller := NewRoller(9)

	roll, err := roller.Roll(Request{Dice: map[string]int{"d12": 3}, Disadvantage: true})
	require.NoError(t, err)

	result := roll.Results[0]
	require.Len(t, result.Draws, 3)
	sum := 0
	for _, draw := range result.Draws {
		require.Len(t, draw.Rolls, 2)
		assert.Equal(t, min(draw.Rolls[0], draw.Rolls[1]), draw.Value)
		sum += draw.Value
	}
	assert.Equal(t, sum, result.Subtotal)
	assert.Equal(t, sum, roll.GrandTotal)
}

func TestRoller_MultipleDiceInVocabularyOrder(t *testing.T) {
	roller := NewRoller(1)

	roll, err := roller.Roll(Request{Dice: map[string]int{
		"d20":  2,
		"d4":   1,
		"d6":   0,
		"d100": 3,
		"d8":   -2,
	}})
	require.NoError(t, err)

	require.Len(t, roll.Results, 2)
	assert.Equal(t, "d4", roll.Results[0].Die)
	assert.Equal(t, "d20", roll.Results[1].Die)
	assert.Equal(t, roll.Results[0].Subtotal+roll.Results[1].Subtotal, roll.GrandTotal)
}

func TestRoller_Deterministic(t *testing.T) {
	req := Request{Dice: map[string]int{"d6": 4, "d10": 2}}

	first, err := NewRoller(99).Roll(req)
	require.NoError(t, err)
	second, err := NewRoller(99).Roll(req)
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, first.GrandTotal, second.GrandTotal)
}

func TestRoller_NoDice(t *testing.T) {
	roller := NewRoller(3)

	_, err := roller.Roll(Request{Dice: map[string]int{"d6": 0}})
	assert.ErrorIs(t, err, ErrNoDice)

	_, err = roller.Roll(Request{})
	assert.ErrorIs(t, err, ErrNoDice)
}

func TestRoller_QuantityLimit(t *testing.T) {
	roller := NewRoller(3)

	roll, err := roller.Roll(Request{Dice: map[string]int{"d6": MaxQuantity}})
	require.NoError(t, err)
	assert.Len(t, roll.Results[0].Draws, MaxQuantity)

	_, err = roller.Roll(Request{Dice: map[string]int{"d4": 1, "d20": 1 << 62}})
	assert.ErrorIs(t, err, ErrTooManyDice)
}

func TestResolveMode(t *testing.T) {
	assert.Equal(t, ModeNormal, ResolveMode(false, false))
	assert.Equal(t, ModeAdvantage, ResolveMode(true, false))
	assert.Equal(t, ModeDisadvantage, ResolveMode(false, true))
	assert.Equal(t, ModeAdvantage, ResolveMode(true, true))
}

func TestNewSeed(t *testing.T) {
	first, err := NewSeed()
	require.NoError(t, err)
	second, err := NewSeed()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}
