package room

import (
	"fmt"
	"math/rand"
	"strings"
)

var nicknameAdjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "crimson", "deft", "eager",
	"fleet", "gentle", "keen", "lively", "lucid", "mellow", "nimble", "quiet",
	"rapid", "sage", "sharp", "steady", "swift", "vivid", "wise", "zesty",
}

var nicknameAnimals = []string{
	"badger", "bison", "crane", "dingo", "falcon", "ferret", "gecko", "heron",
	"ibis", "jackal", "koala", "lemur", "lynx", "marten", "newt", "ocelot",
	"otter", "panda", "quokka", "raven", "stoat", "tapir", "vole", "wombat",
}

// GenerateNickname builds a "<type>-<adjective>-<animal>" nickname for an
// agent that joined with a bare type. taken filters out collisions; after a
// bounded number of attempts a numeric suffix disambiguates.
func GenerateNickname(agentType string, taken func(string) bool) string {
	base := strings.ToLower(strings.TrimSpace(agentType))
	if base == "" {
		base = "agent"
	}
	for attempt := 0; attempt < 16; attempt++ {
		name := fmt.Sprintf("%s-%s-%s",
			base,
			nicknameAdjectives[rand.Intn(len(nicknameAdjectives))],
			nicknameAnimals[rand.Intn(len(nicknameAnimals))])
		if taken == nil || !taken(name) {
			return name
		}
	}
	// Extremely crowded room; fall back to a numbered name.
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s-%s-%s-%d",
			base, nicknameAdjectives[0], nicknameAnimals[0], i)
		if taken == nil || !taken(name) {
			return name
		}
	}
}

// ValidAgentName rejects names that could escape the agents directory or
// break message filenames.
func ValidAgentName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return name != "." && name != ".."
}
