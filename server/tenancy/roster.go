package tenancy

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Roster is the on-disk form of the directory (roster.toml).
//
//	[[schools]]
//	id = "school-1"
//	  [[schools.grades]]
//	  id = "g5"
//	    [[schools.grades.sections]]
//	    id = "a"
//	      [[schools.grades.sections.students]]
//	      id = "stu-1"
//	      device_id = "tab-01"
type Roster struct {
	Schools []School `toml:"schools"`
}

// ParseRoster decodes roster TOML.
func ParseRoster(data string) (*Roster, error) {
	var r Roster
	md, err := toml.Decode(data, &r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown roster keys: %v", undecoded)
	}
	return &r, nil
}

// LoadRosterTOML reads a roster file into the store and returns the number
// of schools loaded.
func LoadRosterTOML(path string, store *InMemoryStore) (int, error) {
	var r Roster
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return 0, fmt.Errorf("failed to load roster %s: %w", path, err)
	}
	return r.Apply(store)
}

// Apply registers every school of the roster.
func (r *Roster) Apply(store *InMemoryStore) (int, error) {
	for _, school := range r.Schools {
		if err := store.PutSchool(school); err != nil {
			return 0, fmt.Errorf("school %q: %w", school.ID, err)
		}
	}
	return len(r.Schools), nil
}
