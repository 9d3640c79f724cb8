package main

import (
	"fmt"
	"path"

	"bytemomo/ecmaster/internal/config"
	"bytemomo/ecmaster/internal/master"
)

// buildGroups creates one slave group per configured group, in order, all
// running hook during bring-up.
func buildGroups(cfgs []config.Group, hook master.Hook) *master.GroupContainer {
	gc := master.NewGroupContainer()
	for _, g := range cfgs {
		gc.Add(master.NewSlaveGroup(g.Name, g.MaxSlaves, g.MaxPdi, hook))
	}
	return gc
}

// assignByName places a slave in the first group with a pattern matching its
// name, else in the catch-all group. The whole segment is taken to OP, so a
// slave no group takes is an error.
func assignByName(cfgs []config.Group) master.AssignFunc {
	return func(gc *master.GroupContainer, s *master.Slave) (master.Group, error) {
		fallback := -1
		for i, g := range cfgs {
			if g.CatchAll() {
				if fallback < 0 {
					fallback = i
				}
				continue
			}
			for _, pattern := range g.Match {
				if ok, _ := path.Match(pattern, s.Name); ok {
					return gc.Group(i), nil
				}
			}
		}
		if fallback < 0 {
			return nil, fmt.Errorf("no group matches slave %q", s.Name)
		}
		return gc.Group(fallback), nil
	}
}

// locate finds the group holding s and its index there.
func locate(gc *master.GroupContainer, s *master.Slave) (*master.SlaveGroup, int, bool) {
	for _, g := range gc.All() {
		sg, ok := g.(*master.SlaveGroup)
		if !ok {
			continue
		}
		for i, member := range sg.Slaves() {
			if member == s {
				return sg, i, true
			}
		}
	}
	return nil, 0, false
}
