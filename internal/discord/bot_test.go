package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestPermissionChecker_IsGameMaster(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		gmRoleID string
		inter    *discordgo.InteractionCreate
		want     bool
	}{
		{
			name:     "user with GM role",
			gmRoleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456", "role-123", "role-789"},
					},
				},
			},
			want: true,
		},
		{
			name:     "user without GM role",
			gmRoleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456", "role-789"},
					},
				},
			},
			want: false,
		},
		{
			name:     "empty GMRoleID allows all",
			gmRoleID: "",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456"},
					},
				},
			},
			want: true,
		},
		{
			name:     "nil Member returns false",
			gmRoleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: nil,
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pc := NewPermissionChecker(tt.gmRoleID)
			got := pc.IsGameMaster(tt.inter)
			if got != tt.want {
				t.Errorf("IsGameMaster() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandRouter_ApplicationCommands(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()

	cmd := &discordgo.ApplicationCommand{Name: "rewind"}
	r.RegisterCommand("rewind", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Name != "rewind" {
		t.Errorf("expected command name 'rewind', got %q", cmds[0].Name)
	}
}

func TestCommandRouter_ApplicationCommands_Dedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()

	cmd := &discordgo.ApplicationCommand{Name: "game"}
	r.RegisterCommand("game/recap", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})
	r.RegisterCommand("game/rewind", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 deduplicated command, got %d", len(cmds))
	}
}

func TestCommandRouter_RegisterHandler(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	called := false
	r.RegisterHandler("test", func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		called = true
	})

	// Handler without command definition should not appear in ApplicationCommands.
	cmds := r.ApplicationCommands()
	if len(cmds) != 0 {
		t.Errorf("expected 0 commands, got %d", len(cmds))
	}

	// But the handler should still be accessible.
	entry, ok := r.commands["test"]
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	entry.handler(nil, nil)
	if !called {
		t.Error("handler was not called")
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		limit   int
		want    []string
	}{
		{
			name:    "empty",
			content: "   ",
			limit:   10,
		},
		{
			name:    "fits",
			content: "short",
			limit:   10,
			want:    []string{"short"},
		},
		{
			name:    "splits at newline",
			content: "first line\nsecond line",
			limit:   15,
			want:    []string{"first line", "second line"},
		},
		{
			name:    "hard split without newline",
			content: "abcdefghij",
			limit:   4,
			want:    []string{"abcd", "efgh", "ij"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitMessage(tt.content, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitMessage() = %q, want %q", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
