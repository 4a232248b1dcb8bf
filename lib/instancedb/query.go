package instancedb

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Query is a conjunction of (field, value) predicates over
// {group_name, home_dir, instance_id, instance_name}. A nil field is not
// part of the conjunction.
type Query struct {
	GroupName    *string
	HomeDir      *string
	InstanceID   *uint32
	InstanceName *string
}

func (q Query) matchesGroup(g Group) bool {
	if q.GroupName != nil && g.Name != *q.GroupName {
		return false
	}
	if q.HomeDir != nil && g.HomeDir != *q.HomeDir {
		return false
	}
	if q.InstanceID == nil && q.InstanceName == nil {
		return true
	}
	for _, inst := range g.Instances {
		if q.InstanceID != nil && inst.ID != *q.InstanceID {
			continue
		}
		if q.InstanceName != nil && inst.Name != *q.InstanceName {
			continue
		}
		return true
	}
	return false
}

// FindGroups returns every group matching the query's conjunction of
// predicates.
func (d *Database) FindGroups(q Query) []Group {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return lo.Filter(lo.Values(d.groups), func(g Group, _ int) bool {
		return q.matchesGroup(g)
	})
}

// FindGroup returns the single group matching the query, failing if the
// result is empty or has more than one member.
func (d *Database) FindGroup(q Query) (Group, error) {
	matches := d.FindGroups(q)
	if len(matches) == 0 {
		return Group{}, newErr(KindNotFound, "FindGroup", fmt.Errorf("no group matches query"))
	}
	if len(matches) > 1 {
		return Group{}, newErr(KindAmbiguous, "FindGroup", fmt.Errorf("%d groups match query", len(matches)))
	}
	return matches[0], nil
}

// FindByIdOrName is a supplemented lookup helper, grounded on the
// teacher's three-tier instance lookup: exact instance id, then exact
// group-qualified device name ("<group>-<instance>"), then an id-prefix
// match across all instances. An id-prefix match that is not unique
// fails with KindAmbiguous.
func (d *Database) FindByIdOrName(ref string) (Group, Instance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if entry, ok := d.byIDExact(ref); ok {
		g := d.groups[entry.groupName]
		inst, _ := findInstance(g, entry.instanceID)
		return g, inst, nil
	}

	for _, g := range d.groups {
		for _, inst := range g.Instances {
			if g.Name+"-"+inst.Name == ref {
				return g, inst, nil
			}
		}
	}

	var matches []struct {
		g Group
		i Instance
	}
	for _, g := range d.groups {
		for _, inst := range g.Instances {
			if strings.HasPrefix(decimalOf(inst.ID), ref) {
				matches = append(matches, struct {
					g Group
					i Instance
				}{g, inst})
			}
		}
	}
	switch len(matches) {
	case 0:
		return Group{}, Instance{}, newErr(KindNotFound, "FindByIdOrName", fmt.Errorf("no instance matches %q", ref))
	case 1:
		return matches[0].g, matches[0].i, nil
	default:
		return Group{}, Instance{}, newErr(KindAmbiguous, "FindByIdOrName", fmt.Errorf("%q matches %d instances", ref, len(matches)))
	}
}

type idMatch struct {
	groupName  string
	instanceID uint32
}

func (d *Database) byIDExact(ref string) (idMatch, bool) {
	id, ok := parseUint32(ref)
	if !ok {
		return idMatch{}, false
	}
	entry, ok := d.byID[id]
	if !ok {
		return idMatch{}, false
	}
	return idMatch{groupName: entry.groupName, instanceID: id}, true
}

func findInstance(g Group, id uint32) (Instance, bool) {
	for _, inst := range g.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return Instance{}, false
}

func parseUint32(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	if n > 0xFFFFFFFF {
		return 0, false
	}
	return uint32(n), true
}

func decimalOf(id uint32) string {
	return DefaultInstanceName(id)
}
