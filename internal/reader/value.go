package reader

import (
	"strings"

	"hieradb/internal/lockmanager"
	"hieradb/internal/model"
	"hieradb/internal/record"
)

// GetValueOptions mirrors getValue's { include, exclude, child_objects }
//. Include/Exclude entries are '/'-separated path
// fragments relative to the value being resolved; a leading "*" segment
// matches every key at that depth and the remainder of the entry keeps
// filtering one level deeper, e.g. "*/name" keeps "name" under every
// child of an array of objects.
type GetValueOptions struct {
	Include      []string
	Exclude      []string
	ChildObjects bool // when true, external composite children are returned as a Value carrying only their Type instead of being recursed into
	Tid          string
}

// filterRule is one Include/Exclude entry split into its first segment and
// the remainder to apply one level down.
type filterRule struct {
	head string // "*" or an exact key/index
	rest string // remainder after the first '/', "" if this was the last segment
}

func splitRule(entry string) filterRule {
	if i := strings.IndexByte(entry, '/'); i >= 0 {
		return filterRule{head: entry[:i], rest: entry[i+1:]}
	}
	return filterRule{head: entry, rest: ""}
}

// descend narrows a set of rules to those applicable under key, returning
// the rules' remainders for the next depth.
func descend(rules []string, key string) []string {
	next := make([]string, 0, len(rules))
	for _, entry := range rules {
		r := splitRule(entry)
		if r.head != "*" && r.head != key {
			continue
		}
		if r.rest != "" {
			next = append(next, r.rest)
		}
	}
	return next
}

// keepChild decides whether key survives this depth's include/exclude
// rules. An empty include list means "everything included by default";
// a non-empty one admits only keys it (or a "*" rule) names.
func keepChild(include, exclude []string, key string) bool {
	if len(include) > 0 {
		kept := false
		for _, entry := range include {
			r := splitRule(entry)
			if r.head == "*" || r.head == key {
				kept = true
				break
			}
		}
		if !kept {
			return false
		}
	}
	for _, entry := range exclude {
		r := splitRule(entry)
		if r.rest == "" && (r.head == "*" || r.head == key) {
			return false
		}
	}
	return true
}

// GetValue resolves info's full value, recursing into composite children
// under lock. path is info's own path (used for
// child path construction and as the base for acquiring child locks).
func (r *Reader) GetValue(tid string, path model.Path, info RecordInfo, opts GetValueOptions) (*model.Value, error) {
	if !info.ValueType.IsComposite() {
		body, err := r.ReadBody(info)
		if err != nil {
			return nil, err
		}
		v, err := record.DecodeInlinePayload(info.ValueType, body)
		if err != nil {
			return nil, err
		}
		return &v, nil
	}

	isArray := info.ValueType == model.ValueArray
	v := model.Value{Type: info.ValueType}

	var keyFilter []string
	if len(opts.Include) > 0 {
		keyFilter = explicitKeysAtThisDepth(opts.Include)
	}

	var outerErr error
	err := r.GetChildStream(path, isArray, info, keyFilter, func(ni model.NodeInfo) bool {
		if !keepChild(opts.Include, opts.Exclude, ni.Key) {
			return true
		}
		childVal, err := r.resolveChild(tid, ni, opts)
		if err != nil {
			outerErr = err
			return false
		}
		v.Children = append(v.Children, model.Child{Key: ni.Key, Value: childVal})
		return true
	})
	if err != nil {
		return nil, err
	}
	if outerErr != nil {
		return nil, outerErr
	}
	return &v, nil
}

// explicitKeysAtThisDepth extracts the non-wildcard head keys named by
// include, used to narrow getChildStream's keyFilter. Any "*" entry
// present means every key participates, so no filter can be derived.
func explicitKeysAtThisDepth(include []string) []string {
	keys := make([]string, 0, len(include))
	for _, entry := range include {
		r := splitRule(entry)
		if r.head == "*" {
			return nil
		}
		keys = append(keys, r.head)
	}
	return keys
}

// resolveChild turns one child NodeInfo into its decoded value: inline
// values decode directly, external composites/primitives recurse under a
// freshly acquired read lock on the child's own path.
func (r *Reader) resolveChild(tid string, ni model.NodeInfo, opts GetValueOptions) (model.Value, error) {
	if ni.Value != nil {
		return *ni.Value, nil
	}
	if ni.Address == nil {
		return model.Value{Type: ni.Type}, nil
	}
	childOpts := GetValueOptions{
		Include:      descend(opts.Include, ni.Key),
		Exclude:      descend(opts.Exclude, ni.Key),
		ChildObjects: opts.ChildObjects,
		Tid:          opts.Tid,
	}
	if opts.ChildObjects && ni.Type.IsComposite() {
		return model.Value{Type: ni.Type}, nil
	}
	lock, err := r.locks.Lock(ni.Path, tid, false, "reader.GetValue", lockmanager.Options{})
	if err != nil {
		return model.Value{}, err
	}
	defer lock.Release()

	childInfo, err := r.ReadHeader(*ni.Address)
	if err != nil {
		return model.Value{}, err
	}
	childVal, err := r.GetValue(tid, ni.Path, childInfo, childOpts)
	if err != nil {
		return model.Value{}, err
	}
	return *childVal, nil
}
