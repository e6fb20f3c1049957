package simulator

import "sync"

// MemberRecord is one node registered in the membership directory.
type MemberRecord struct {
	ID      string `mapstructure:"id" json:"id"`
	Address string `mapstructure:"address" json:"address"`
	DNSName string `mapstructure:"dns_name" json:"dns_name"`
	Healthy bool   `mapstructure:"healthy" json:"healthy"`
}

// Directory is the in-memory cluster membership directory. Listing a
// group returns only healthy members; provisioning a terminating node
// would waste issuance quota.
type Directory struct {
	mu     sync.RWMutex
	groups map[string][]MemberRecord
}

func NewDirectory() *Directory {
	return &Directory{groups: make(map[string][]MemberRecord)}
}

// SetGroup replaces the member list for a group.
func (d *Directory) SetGroup(name string, members []MemberRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[name] = append([]MemberRecord(nil), members...)
}

// HealthyMembers lists a group's healthy members. found is false when
// the group was never registered.
func (d *Directory) HealthyMembers(name string) ([]MemberRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members, ok := d.groups[name]
	if !ok {
		return nil, false
	}
	var healthy []MemberRecord
	for _, m := range members {
		if m.Healthy {
			healthy = append(healthy, m)
		}
	}
	return healthy, true
}
