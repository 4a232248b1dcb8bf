// Package instancedb implements the Instance Database: an in-memory,
// single-process-authoritative registry of instance groups, guarded by a
// single logical writer with multiple concurrent readers.
package instancedb

import (
	"encoding/json"
	"fmt"
	"sync"
)

// idIndexEntry is the secondary index InstanceId -> (GroupName, Name).
type idIndexEntry struct {
	groupName    string
	instanceName string
}

// Database is safe for concurrent use.
type Database struct {
	mu sync.RWMutex

	groups  map[string]Group
	byID    map[uint32]idIndexEntry
	optout  bool
}

// New returns an empty Database.
func New() *Database {
	return &Database{
		groups: make(map[string]Group),
		byID:   make(map[uint32]idIndexEntry),
	}
}

// validateGroup checks name syntax and internal uniqueness of a single
// group's instances, without consulting other groups.
func validateGroup(g Group) error {
	if !ValidGroupName(g.Name) {
		return newErr(KindInvalidName, "validateGroup", fmt.Errorf("invalid group name %q", g.Name))
	}
	if len(g.Instances) == 0 {
		return newErr(KindInvalidName, "validateGroup", fmt.Errorf("group %q has no instances", g.Name))
	}
	seenNames := make(map[string]struct{}, len(g.Instances))
	seenIDs := make(map[uint32]struct{}, len(g.Instances))
	for _, inst := range g.Instances {
		name := inst.Name
		if name == "" {
			name = DefaultInstanceName(inst.ID)
		}
		if !ValidPerInstanceName(name) {
			return newErr(KindInvalidName, "validateGroup", fmt.Errorf("invalid instance name %q", name))
		}
		if _, dup := seenNames[name]; dup {
			return newErr(KindInvalidName, "validateGroup", fmt.Errorf("duplicate instance name %q in group %q", name, g.Name))
		}
		if _, dup := seenIDs[inst.ID]; dup {
			return newErr(KindDuplicateInstanceId, "validateGroup", fmt.Errorf("duplicate instance id %d in group %q", inst.ID, g.Name))
		}
		seenNames[name] = struct{}{}
		seenIDs[inst.ID] = struct{}{}
	}
	return nil
}

// AddGroup inserts a new group, defaulting unset instance names to the
// decimal form of their id.
func (d *Database) AddGroup(g Group) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addGroupLocked(g)
}

func (d *Database) addGroupLocked(g Group) error {
	for i := range g.Instances {
		if g.Instances[i].Name == "" {
			g.Instances[i].Name = DefaultInstanceName(g.Instances[i].ID)
		}
	}
	if err := validateGroup(g); err != nil {
		return err
	}
	if _, exists := d.groups[g.Name]; exists {
		return newErr(KindDuplicateGroupName, "AddGroup", fmt.Errorf("group %q already exists", g.Name))
	}
	for _, inst := range g.Instances {
		if _, exists := d.byID[inst.ID]; exists {
			return newErr(KindDuplicateInstanceId, "AddGroup", fmt.Errorf("instance id %d already owned by group %q", inst.ID, d.byID[inst.ID].groupName))
		}
	}

	d.groups[g.Name] = g
	for _, inst := range g.Instances {
		d.byID[inst.ID] = idIndexEntry{groupName: g.Name, instanceName: inst.Name}
	}
	return nil
}

// RemoveGroupByHome removes at most one group whose HomeDir matches,
// returning whether one was removed.
func (d *Database) RemoveGroupByHome(homeDir string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, g := range d.groups {
		if g.HomeDir != homeDir {
			continue
		}
		delete(d.groups, name)
		for _, inst := range g.Instances {
			delete(d.byID, inst.ID)
		}
		return true
	}
	return false
}

// UpdateGroup replaces an existing group wholesale, re-validating
// invariants. Fails if the group does not exist.
func (d *Database) UpdateGroup(g Group) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	old, exists := d.groups[g.Name]
	if !exists {
		return newErr(KindNotFound, "UpdateGroup", fmt.Errorf("group %q not found", g.Name))
	}
	for i := range g.Instances {
		if g.Instances[i].Name == "" {
			g.Instances[i].Name = DefaultInstanceName(g.Instances[i].ID)
		}
	}
	if err := validateGroup(g); err != nil {
		return err
	}

	// Check global id uniqueness against groups other than this one.
	for _, inst := range g.Instances {
		if entry, exists := d.byID[inst.ID]; exists && entry.groupName != g.Name {
			return newErr(KindDuplicateInstanceId, "UpdateGroup", fmt.Errorf("instance id %d already owned by group %q", inst.ID, entry.groupName))
		}
	}

	for _, inst := range old.Instances {
		delete(d.byID, inst.ID)
	}
	d.groups[g.Name] = g
	for _, inst := range g.Instances {
		d.byID[inst.ID] = idIndexEntry{groupName: g.Name, instanceName: inst.Name}
	}
	return nil
}

// UpdateInstance replaces a single instance within groupName, preserving
// every other instance untouched. Fails if the group or instance id does
// not exist.
func (d *Database) UpdateInstance(groupName string, inst Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, exists := d.groups[groupName]
	if !exists {
		return newErr(KindNotFound, "UpdateInstance", fmt.Errorf("group %q not found", groupName))
	}
	if inst.Name == "" {
		inst.Name = DefaultInstanceName(inst.ID)
	}

	idx := -1
	for i, existing := range g.Instances {
		if existing.ID == inst.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return newErr(KindNotFound, "UpdateInstance", fmt.Errorf("instance id %d not in group %q", inst.ID, groupName))
	}

	candidate := make([]Instance, len(g.Instances))
	copy(candidate, g.Instances)
	candidate[idx] = inst
	g.Instances = candidate

	if err := validateGroup(g); err != nil {
		return err
	}

	d.groups[groupName] = g
	d.byID[inst.ID] = idIndexEntry{groupName: groupName, instanceName: inst.Name}
	return nil
}

// HasInstanceGroups reports whether any group is registered.
func (d *Database) HasInstanceGroups() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups) > 0
}

// HasInstanceID reports whether id belongs to any group. Satisfies
// allocator.Existing.
func (d *Database) HasInstanceID(id uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byID[id]
	return ok
}

// GetAcloudTranslatorOptout returns the persisted opt-out flag.
func (d *Database) GetAcloudTranslatorOptout() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.optout
}

// SetAcloudTranslatorOptout sets the persisted opt-out flag.
func (d *Database) SetAcloudTranslatorOptout(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.optout = v
}

// Clear removes every group and resets the opt-out flag. A supplemented
// operation backing `cvd clear`, which iterates and tears down every
// group; the teardown of running instances themselves is the caller's
// responsibility, this only clears bookkeeping.
func (d *Database) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = make(map[string]Group)
	d.byID = make(map[uint32]idIndexEntry)
	d.optout = false
}

// Serialize renders the database as its JSON snapshot form.
func (d *Database) Serialize() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := snapshot{AcloudTranslatorOptout: d.optout}
	for _, g := range d.groups {
		snap.Groups = append(snap.Groups, g)
	}
	return json.Marshal(snap)
}

// LoadFromJson replaces the database's contents with the given document,
// validating all invariants before committing. On failure the prior
// state is left untouched.
func (d *Database) LoadFromJson(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return newErr(KindCorruptState, "LoadFromJson", err)
	}

	next := New()
	for _, g := range snap.Groups {
		if err := next.addGroupLocked(g); err != nil {
			var derr *Error
			if e, ok := err.(*Error); ok {
				derr = e
			}
			if derr != nil {
				return newErr(KindCorruptState, "LoadFromJson", derr)
			}
			return newErr(KindCorruptState, "LoadFromJson", err)
		}
	}
	next.optout = snap.AcloudTranslatorOptout

	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = next.groups
	d.byID = next.byID
	d.optout = next.optout
	return nil
}
