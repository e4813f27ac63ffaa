// Package branch 维护 checkpoint 谱系树, 计算每个消息位置的分支选项,
// 以及编辑/重新生成时应从哪个父 checkpoint 重新提交。
//
// 根节点是虚拟的 "" 节点。每个节点记录有序子节点、当前选中子节点,
// 以及在该 checkpoint 首次出现的消息 id。
package branch

import (
	"slices"

	"github.com/multi-agent/convsync/internal/stream"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

// Root 虚拟根节点 id。
const Root = ""

type node struct {
	id       string
	parent   string
	children []string
	selected string
	fresh    []string // 在此处首次出现的消息
	all      []string // 快照中的完整消息序列
	known    bool     // false: 只被子节点引用过的占位节点
}

// Metadata 单条消息的分支元数据。
type Metadata struct {
	CheckpointID       string   `json:"checkpointId,omitempty"`
	ParentCheckpointID string   `json:"parentCheckpointId"`
	Branch             string   `json:"branch,omitempty"`
	BranchOptions      []string `json:"branchOptions,omitempty"`
}

// Tree checkpoint 树。非并发安全, 由会话门面持锁访问。
type Tree struct {
	nodes map[string]*node

	// 当前 run
	running bool
	anchor  string
	hold    bool     // 锚点新子节点到达前, 路径停在锚点
	tail    []string // 已观察但尚未进入任何 checkpoint 的消息
	base    string   // tail 挂靠的 checkpoint: 本 run 最新的快照, 没有时为锚点
}

// New 创建只含根节点的树。
func New() *Tree {
	return &Tree{nodes: map[string]*node{Root: {id: Root, known: true}}}
}

// Known 是否为已知的非根 checkpoint。
func (t *Tree) Known(id string) bool {
	_, ok := t.nodes[id]
	return ok && id != Root
}

// Children 子节点 id 副本。
func (t *Tree) Children(id string) []string {
	if n, ok := t.nodes[id]; ok {
		return slices.Clone(n.children)
	}
	return nil
}

// Parent 父节点 id。
func (t *Tree) Parent(id string) (string, bool) {
	n, ok := t.nodes[id]
	if !ok || id == Root {
		return "", false
	}
	return n.parent, true
}

// Path 从根沿选中子节点走到叶子 (不含根)。
// run 进行中且锚点尚无新子节点时, 路径停在锚点。
func (t *Tree) Path() []string {
	var path []string
	cur := t.nodes[Root]
	for {
		if t.hold && cur.id == t.anchor {
			return path
		}
		if cur.selected == "" {
			return path
		}
		next, ok := t.nodes[cur.selected]
		if !ok {
			return path
		}
		path = append(path, next.id)
		cur = next
	}
}

// Tip 当前路径末端 checkpoint ("" 表示根)。
func (t *Tree) Tip() string {
	path := t.Path()
	if len(path) == 0 {
		return Root
	}
	return path[len(path)-1]
}

// Running 是否有活跃 run。
func (t *Tree) Running() bool { return t.running }

// Anchor 当前 run 的父 checkpoint。
func (t *Tree) Anchor() string { return t.anchor }

// BeginRun 开始一个 run。parent 为 nil 时从当前路径末端继续;
// 非 nil 时从指定 checkpoint 分叉 ("" 表示从根开始)。
//
// 分叉时上一个 run 遗留的未入 checkpoint 消息从可见路径移除 (仍保留在消息集合中);
// 顺延时保留, 后端不发快照时对话仍连续可见。
func (t *Tree) BeginRun(parent *string) (string, error) {
	anchor := t.Tip()
	if parent != nil {
		if *parent != Root && !t.Known(*parent) {
			return "", &pkgerr.UnknownBranchError{CheckpointID: *parent}
		}
		anchor = *parent
		t.tail = nil
	}
	if len(t.tail) == 0 {
		t.base = anchor
	}
	t.running = true
	t.anchor = anchor
	t.hold = true
	return anchor, nil
}

// EndRun 结束当前 run, 释放路径保持。
func (t *Tree) EndRun() {
	t.running = false
	t.hold = false
}

// Observe 记录 run 中新出现的消息; 已在可见路径上的消息忽略。
func (t *Tree) Observe(messageID string) {
	if slices.Contains(t.tail, messageID) {
		return
	}
	for _, id := range t.Path() {
		if slices.Contains(t.nodes[id].fresh, messageID) {
			return
		}
	}
	t.tail = append(t.tail, messageID)
}

// Tail 尚未进入 checkpoint 的消息。
func (t *Tree) Tail() []string { return slices.Clone(t.tail) }

// ensure 返回节点; 未知时创建占位节点, 挂在当前 run 的锚点 (无 run 时挂在根)。
func (t *Tree) ensure(id string) *node {
	if n, ok := t.nodes[id]; ok {
		return n
	}
	parent := Root
	if t.running {
		parent = t.anchor
	}
	n := &node{id: id, parent: parent}
	t.nodes[id] = n
	p := t.nodes[parent]
	p.children = append(p.children, id)
	return n
}

// ancestorMessages 节点所有祖先 (不含自身) 已持有的消息。
func (t *Tree) ancestorMessages(n *node) map[string]struct{} {
	seen := make(map[string]struct{})
	for cur := n.parent; ; {
		p := t.nodes[cur]
		for _, id := range p.fresh {
			seen[id] = struct{}{}
		}
		for _, id := range p.all {
			seen[id] = struct{}{}
		}
		if cur == Root {
			return seen
		}
		cur = p.parent
	}
}

// ApplyCheckpoint 应用状态快照, 返回在此 checkpoint 首次出现的消息 id。
//
// 新节点追加到父节点的子节点列表 (分支选项只增不减) 并沿谱系被选中。
func (t *Tree) ApplyCheckpoint(cp stream.Checkpoint) []string {
	if cp.ID == Root {
		return nil
	}
	parent := cp.ParentID
	if parent == cp.ID {
		parent = Root
	}

	n, exists := t.nodes[cp.ID]
	isNew := !exists || !n.known
	switch {
	case !exists:
		p := t.ensure(parent)
		n = &node{id: cp.ID, parent: parent}
		t.nodes[cp.ID] = n
		p.children = append(p.children, cp.ID)
	case !n.known && n.parent != parent && !t.descends(parent, n.id):
		// 占位节点得知真实父节点后迁移
		old := t.nodes[n.parent]
		old.children = slices.DeleteFunc(old.children, func(c string) bool { return c == n.id })
		if old.selected == n.id {
			old.selected = ""
		}
		p := t.ensure(parent)
		n.parent = parent
		p.children = append(p.children, n.id)
	}

	if isNew {
		t.selectLineage(n)
		if t.running && t.descends(n.id, t.anchor) {
			t.hold = false
			t.base = n.id
		}
	}

	var fresh []string
	if cp.MessageIDs != nil {
		before := t.ancestorMessages(n)
		for _, id := range cp.MessageIDs {
			if _, ok := before[id]; ok || slices.Contains(n.fresh, id) {
				continue
			}
			n.fresh = append(n.fresh, id)
			fresh = append(fresh, id)
		}
		n.all = slices.Clone(cp.MessageIDs)
		t.tail = slices.DeleteFunc(t.tail, func(id string) bool { return slices.Contains(n.all, id) })
	}
	n.known = true
	return fresh
}

// descends id 是否为 ancestor 的后代。
func (t *Tree) descends(id, ancestor string) bool {
	for cur := id; cur != Root; {
		n, ok := t.nodes[cur]
		if !ok {
			return false
		}
		if n.parent == ancestor {
			return true
		}
		cur = n.parent
	}
	return ancestor == Root
}

// Select 在兄弟分支间切换, 不改变分支集合。整条谱系一并选中,
// 祖先不在当前路径上的 checkpoint 也会立即可见。
// id 不是任何分支选项成员时返回 UnknownBranchError, 选择不变。
func (t *Tree) Select(id string) error {
	if !t.Known(id) {
		return &pkgerr.UnknownBranchError{CheckpointID: id}
	}
	t.selectLineage(t.nodes[id])
	return nil
}

func (t *Tree) selectLineage(n *node) {
	for cur := n; cur.id != Root; cur = t.nodes[cur.parent] {
		t.nodes[cur.parent].selected = cur.id
	}
}

// preorder 从根按子节点顺序深度优先遍历 (不含根)。
func (t *Tree) preorder() []string {
	var out []string
	stack := slices.Clone(t.nodes[Root].children)
	slices.Reverse(stack)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, id)
		kids := slices.Clone(t.nodes[id].children)
		slices.Reverse(kids)
		stack = append(stack, kids...)
	}
	return out
}

// Visible 当前路径上可见的消息 id。
// 尚未入 checkpoint 的消息只在其挂靠的 checkpoint 位于路径上时可见。
func (t *Tree) Visible() []string {
	path := t.Path()
	var ids []string
	if len(path) > 0 && t.nodes[path[len(path)-1]].known && t.nodes[path[len(path)-1]].all != nil {
		ids = slices.Clone(t.nodes[path[len(path)-1]].all)
	} else {
		for _, id := range path {
			ids = append(ids, t.nodes[id].fresh...)
		}
	}
	if t.base != Root && !slices.Contains(path, t.base) {
		return ids
	}
	for _, id := range t.tail {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Metadata 返回消息的分支元数据。优先取可见路径上首次出现的位置。
func (t *Tree) Metadata(messageID string) (Metadata, bool) {
	for _, id := range t.Path() {
		if slices.Contains(t.nodes[id].fresh, messageID) {
			return t.metadataAt(id), true
		}
	}
	if slices.Contains(t.tail, messageID) {
		return Metadata{ParentCheckpointID: t.anchor}, true
	}
	for _, id := range t.preorder() {
		if slices.Contains(t.nodes[id].fresh, messageID) {
			return t.metadataAt(id), true
		}
	}
	return Metadata{}, false
}

// ResumeParent 编辑/重新生成 messageID 时应提交的父 checkpoint:
// 消息所在 checkpoint 的父节点, 而不是消息自身的 checkpoint。
func (t *Tree) ResumeParent(messageID string) (string, error) {
	md, ok := t.Metadata(messageID)
	if !ok {
		return "", pkgerr.Wrapf(pkgerr.ErrUnknownCheckpoint, "Tree.ResumeParent", "message %s has no checkpoint", messageID)
	}
	return md.ParentCheckpointID, nil
}

func (t *Tree) metadataAt(id string) Metadata {
	n := t.nodes[id]
	p := t.nodes[n.parent]
	return Metadata{
		CheckpointID:       id,
		ParentCheckpointID: n.parent,
		Branch:             id,
		BranchOptions:      slices.Clone(p.children),
	}
}
