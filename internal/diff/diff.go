// Package diff compares the desired instances, the remote index and the
// persisted state and produces the operations that converge the remote
// calendar.
package diff

import (
	"fmt"
	"sort"

	"calbridge/internal/identity"
	"calbridge/internal/index"
	appLog "calbridge/internal/log"
	"calbridge/internal/model"
	"calbridge/internal/quarantine"
)

type Kind int

const (
	Create Kind = iota
	Update
	Delete
	Skip
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Op is one planned operation.
type Op struct {
	Kind Kind
	Key  string

	// Instance is the desired occurrence (Create, Update, Skip).
	Instance *model.Instance
	// Hash is the fingerprint of Instance.
	Hash string

	// RemoteID addresses the entity for Update and Delete; for Skip it is
	// the entity the state entry points at.
	RemoteID string

	// Adopt asks the apply layer to record a state entry without any remote
	// call (Skip only).
	Adopt bool

	// StateOnly marks a Delete derived from the state store alone.
	StateOnly bool

	Reason string
}

// Plan is the ordered operation list: creates, updates and deletes by key,
// then skips.
type Plan struct {
	Ops []Op
}

func (p Plan) Count(k Kind) int {
	n := 0
	for _, op := range p.Ops {
		if op.Kind == k {
			n++
		}
	}
	return n
}

// Changes reports how many operations need a remote call.
func (p Plan) Changes() int {
	return len(p.Ops) - p.Count(Skip)
}

type Input struct {
	Desired    []model.Instance
	Index      *index.Index
	State      map[string]model.StateEntry
	Quarantine *quarantine.List
	Window     model.Window
	Resolver   *identity.Resolver
}

// Compute classifies every key in desired, remote index and state.
func Compute(in Input) Plan {
	desired := map[string]*model.Instance{}
	quarantined := 0
	for i := range in.Desired {
		inst := &in.Desired[i]
		if inst.Cancelled {
			continue
		}
		if in.Quarantine.Contains(inst.SourceUID) {
			quarantined++
			continue
		}
		if _, dup := desired[inst.Key]; dup {
			appLog.Warn("duplicate desired key, keeping first", "key", inst.Key)
			continue
		}
		desired[inst.Key] = inst
	}
	if quarantined > 0 {
		appLog.Info("quarantined instances excluded", "count", quarantined)
	}

	var ops []Op
	for key, inst := range desired {
		ops = append(ops, classifyDesired(key, inst, in))
	}
	if in.Index != nil {
		for _, key := range in.Index.Keys() {
			if _, ok := desired[key]; ok {
				continue
			}
			for _, e := range in.Index.Group(key) {
				if !e.Managed {
					continue
				}
				ops = append(ops, Op{Kind: Delete, Key: key, RemoteID: e.RemoteID, Reason: "no longer desired"})
			}
		}
	}
	for key, st := range in.State {
		if _, ok := desired[key]; ok {
			continue
		}
		if in.Index != nil {
			if _, listed := in.Index.Get(key); listed {
				continue
			}
		}
		if st.RemoteID == "" || !stateKeyInWindow(key, in) {
			continue
		}
		ops = append(ops, Op{Kind: Delete, Key: key, RemoteID: st.RemoteID, StateOnly: true, Reason: "in state but not listed"})
	}

	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Kind != ops[j].Kind {
			return ops[i].Kind < ops[j].Kind
		}
		if ops[i].Key != ops[j].Key {
			return ops[i].Key < ops[j].Key
		}
		return ops[i].RemoteID < ops[j].RemoteID
	})
	return Plan{Ops: ops}
}

func classifyDesired(key string, inst *model.Instance, in Input) Op {
	hash := Fingerprint(InstanceFields(*inst))
	st, hasState := in.State[key]

	var e model.RemoteEntity
	listed := false
	if in.Index != nil {
		e, listed = in.Index.Pick(key, st.RemoteID)
	}
	if !listed {
		reason := "new"
		if hasState {
			reason = "remote entity missing"
		}
		return Op{Kind: Create, Key: key, Instance: inst, Hash: hash, Reason: reason}
	}

	op := Op{Key: key, Instance: inst, Hash: hash, RemoteID: e.RemoteID}
	if hasState && st.ContentHash != "" && st.RemoteID == e.RemoteID {
		if st.ContentHash == hash {
			op.Kind = Skip
			return op
		}
		op.Kind = Update
		op.Reason = "content changed"
		return op
	}

	// No usable state: compare against what the remote shows.
	if e.Managed && Fingerprint(EntityFields(e)) == hash {
		op.Kind = Skip
		op.Adopt = true
		op.Reason = "matches remote"
		return op
	}
	op.Kind = Update
	if e.Managed {
		op.Reason = "remote differs"
	} else {
		op.Reason = "adopting untagged entity"
	}
	return op
}

func stateKeyInWindow(key string, in Input) bool {
	if in.Resolver == nil {
		return false
	}
	_, start, _, err := in.Resolver.ParseKey(key)
	if err != nil {
		appLog.Warn("state holds malformed key", "key", key)
		return false
	}
	return in.Window.Contains(start)
}
