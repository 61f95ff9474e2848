package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/liveblocks/liveblocks-sub020/utils"
)

// Node is something a path like c1/key can point at.
type Node interface {
	Name() string
	String() string
	List() []string
	// returns nil if there is none
	Get(name string) Node
}

type replicaView interface {
	Name() string
	Data() map[string]json.RawMessage
}

// ReplicaNode is a whole document.
type ReplicaNode struct {
	r replicaView
}

func (rn *ReplicaNode) Name() string {
	return rn.r.Name()
}

func (rn *ReplicaNode) String() string {
	doc := rn.r.Data()
	var b strings.Builder
	b.WriteByte('{')
	for i, key := range utils.SortedKeys(doc) {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%s", key, doc[key])
	}
	b.WriteByte('}')
	return b.String()
}

func (rn *ReplicaNode) List() []string {
	return utils.SortedKeys(rn.r.Data())
}

func (rn *ReplicaNode) Get(name string) Node {
	val, ok := rn.r.Data()[name]
	if !ok {
		return nil
	}
	return &ValueNode{key: name, val: val}
}

// ValueNode is one key of a document.
type ValueNode struct {
	key string
	val json.RawMessage
}

func (vn *ValueNode) Name() string {
	return vn.key
}

func (vn *ValueNode) String() string {
	return string(vn.val)
}

func (vn *ValueNode) List() []string {
	return nil
}

func (vn *ValueNode) Get(name string) Node {
	return nil
}

func (repl *REPL) roots() []Node {
	repl.lock.RLock()
	defer repl.lock.RUnlock()
	nodes := []Node{&ReplicaNode{r: repl.server}}
	for _, name := range utils.SortedKeys(repl.clients) {
		nodes = append(nodes, &ReplicaNode{r: repl.clients[name]})
	}
	return nodes
}

// Resolve walks a slash separated path from the replica names down.
func (repl *REPL) Resolve(path string) (Node, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	var node Node
	for _, root := range repl.roots() {
		if root.Name() == parts[0] {
			node = root
		}
	}
	for _, part := range parts[1:] {
		if node == nil {
			break
		}
		node = node.Get(part)
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPath, path)
	}
	return node, nil
}
