package trim

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/igolaizola/citychat/pkg/memory"
	"github.com/igolaizola/citychat/pkg/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// words counts one token per word.
var words = tokens.CounterFunc(func(m memory.Message) (int, error) {
	return len(strings.Fields(m.Content)), nil
})

func conversation() []memory.Message {
	return []memory.Message{
		memory.NewSystem("be nice"),
		memory.NewHuman("h1 x"),
		memory.NewAssistant("a1 x x"),
		memory.NewHuman("h2"),
		memory.NewAssistant("a2 x"),
	}
}

func TestTrim(t *testing.T) {
	conv := conversation()
	tests := []struct {
		name string
		cfg  Config
		want []memory.Message
	}{
		{
			name: "keeps recent turns and system",
			cfg:  Config{MaxTokens: 7, IncludeSystem: true, StartOn: memory.Human},
			want: []memory.Message{conv[0], conv[3], conv[4]},
		},
		{
			name: "drops dangling assistant",
			cfg:  Config{MaxTokens: 8, IncludeSystem: true, StartOn: memory.Human},
			want: []memory.Message{conv[0], conv[3], conv[4]},
		},
		{
			name: "no start role",
			cfg:  Config{MaxTokens: 8, IncludeSystem: true},
			want: []memory.Message{conv[0], conv[2], conv[3], conv[4]},
		},
		{
			name: "everything fits",
			cfg:  Config{MaxTokens: 100, IncludeSystem: true, StartOn: memory.Human},
			want: conv,
		},
		{
			name: "system not pinned",
			cfg:  Config{MaxTokens: 3, StartOn: memory.Human},
			want: []memory.Message{conv[3], conv[4]},
		},
		{
			name: "only system fits",
			cfg:  Config{MaxTokens: 3, IncludeSystem: true, StartOn: memory.Human},
			want: []memory.Message{conv[0]},
		},
		{
			name: "first strategy",
			cfg:  Config{MaxTokens: 6, Strategy: First, IncludeSystem: true},
			want: []memory.Message{conv[0], conv[1]},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Trim(conv, tt.cfg, words)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrimEmpty(t *testing.T) {
	got, err := Trim(nil, Config{MaxTokens: 10, IncludeSystem: true, StartOn: memory.Human}, words)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTrimInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero budget", cfg: Config{MaxTokens: 0}},
		{name: "negative budget", cfg: Config{MaxTokens: -5}},
		{name: "unknown strategy", cfg: Config{MaxTokens: 10, Strategy: "middle"}},
		{name: "unknown role", cfg: Config{MaxTokens: 10, StartOn: "tool"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Trim(conversation(), tt.cfg, words)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Trim(conversation(), Config{MaxTokens: 10}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTrimBudgetExceeded(t *testing.T) {
	_, err := Trim(conversation(), Config{MaxTokens: 1, IncludeSystem: true}, words)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	var budgetErr *BudgetError
	require.True(t, errors.As(err, &budgetErr))
	assert.Equal(t, 2, budgetErr.Required)
	assert.Equal(t, 1, budgetErr.MaxTokens)
}

func TestTrimCounterError(t *testing.T) {
	failing := tokens.CounterFunc(func(memory.Message) (int, error) {
		return 0, errors.New("tokenizer down")
	})
	_, err := Trim(conversation(), Config{MaxTokens: 10}, failing)
	require.Error(t, err)
}

func TestTrimPartial(t *testing.T) {
	conv := []memory.Message{
		memory.NewHuman("one two three four"),
		memory.NewAssistant("x"),
	}
	got, err := Trim(conv, Config{MaxTokens: 4, AllowPartial: true}, words)
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{memory.NewHuman("two three four"), conv[1]}, got)

	got, err = Trim(conv, Config{MaxTokens: 4}, words)
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{conv[1]}, got)

	// Lines are preferred over words
	conv[0] = memory.NewHuman("one two\nthree four")
	got, err = Trim(conv, Config{MaxTokens: 4, AllowPartial: true}, words)
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{memory.NewHuman("three four"), conv[1]}, got)

	got, err = Trim(conv, Config{MaxTokens: 3, Strategy: First, AllowPartial: true}, words)
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{memory.NewHuman("one two")}, got)
}

func randomConversation(r *rand.Rand) []memory.Message {
	n := r.Intn(12)
	msgs := []memory.Message{memory.NewSystem(strings.Repeat("s ", 1+r.Intn(4)))}
	roles := []memory.Role{memory.Human, memory.Assistant}
	for i := 0; i < n; i++ {
		role := roles[i%2]
		if r.Intn(5) == 0 {
			role = roles[r.Intn(2)]
		}
		msgs = append(msgs, memory.Message{Role: role, Content: strings.Repeat("w ", 1+r.Intn(6))})
	}
	return msgs
}

func TestTrimProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		conv := randomConversation(r)
		cfg := Config{
			MaxTokens:     1 + r.Intn(30),
			IncludeSystem: r.Intn(2) == 0,
			AllowPartial:  r.Intn(3) == 0,
			StartOn:       memory.Human,
		}
		got, err := Trim(conv, cfg, words)
		if errors.Is(err, ErrBudgetExceeded) {
			require.True(t, cfg.IncludeSystem)
			n, _ := words.Count(conv[0])
			require.Greater(t, n, cfg.MaxTokens)
			continue
		}
		require.NoError(t, err)

		// Budget
		total, err := tokens.Sum(words, got)
		require.NoError(t, err)
		require.LessOrEqual(t, total, cfg.MaxTokens)

		// Pinned system message
		rest := got
		if cfg.IncludeSystem {
			require.NotEmpty(t, got)
			require.Equal(t, conv[0], got[0])
			rest = got[1:]
		}

		// Boundary
		if len(rest) > 0 {
			require.Equal(t, memory.Human, rest[0].Role)
		}

		// Contiguous suffix, the first message may be partial
		offset := len(conv) - len(rest)
		for j, m := range rest {
			orig := conv[offset+j]
			require.Equal(t, orig.Role, m.Role)
			if j == 0 && cfg.AllowPartial {
				require.True(t, strings.HasSuffix(strings.TrimSpace(orig.Content), m.Content))
				continue
			}
			require.Equal(t, orig, m)
		}

		// Idempotence
		again, err := Trim(got, cfg, words)
		require.NoError(t, err)
		require.Equal(t, got, again)
	}
}
