package task

import "testing"

type item struct {
	link Link
	name string
}

func (it *item) Link() *Link { return &it.link }

func newTestTable(capacity int) *Table[*item] {
	return NewTable(capacity, func(i Index) *item { return &item{} })
}

func alloc(t *testing.T, tab *Table[*item], name string) Index {
	t.Helper()
	i, it, ok := tab.Alloc()
	if !ok {
		t.Fatalf("Alloc(%q) failed", name)
	}
	it.name = name
	return i
}

func names(tab *Table[*item], q *Queue[*item]) []string {
	var out []string
	q.Each(tab, func(_ Index, it *item) { out = append(out, it.name) })
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueueFIFO(t *testing.T) {
	tab := newTestTable(8)
	var q Queue[*item]
	if !q.Empty() {
		t.Fatal("zero Queue is not empty")
	}
	a, b, c := alloc(t, tab, "a"), alloc(t, tab, "b"), alloc(t, tab, "c")
	q.Push(tab, a)
	q.Push(tab, b)
	q.Push(tab, c)
	if q.Len() != 3 {
		t.Errorf("Len returned %d, want 3", q.Len())
	}
	for _, want := range []Index{a, b, c} {
		if got := q.Pop(tab); got != want {
			t.Errorf("Pop returned %d, want %d", got, want)
		}
	}
	if got := q.Pop(tab); got != None {
		t.Errorf("Pop on empty queue returned %d, want None", got)
	}
	if tab.Get(a).Link().Queued() {
		t.Error("popped entry is still marked as queued")
	}
}

func TestQueueRemove(t *testing.T) {
	tab := newTestTable(8)
	var q Queue[*item]
	a, b, c, d := alloc(t, tab, "a"), alloc(t, tab, "b"), alloc(t, tab, "c"), alloc(t, tab, "d")
	for _, i := range []Index{a, b, c} {
		q.Push(tab, i)
	}

	if q.Remove(tab, d) {
		t.Error("Remove of an entry that is not queued returned true")
	}
	if !q.Remove(tab, b) {
		t.Fatal("Remove of a middle entry returned false")
	}
	if got := names(tab, &q); !equal(got, []string{"a", "c"}) {
		t.Errorf("queue is %v after removing b, want [a c]", got)
	}
	if !q.Remove(tab, c) {
		t.Fatal("Remove of the tail returned false")
	}
	// The tail must be fixed up, otherwise this push is lost.
	q.Push(tab, d)
	if got := names(tab, &q); !equal(got, []string{"a", "d"}) {
		t.Errorf("queue is %v after removing the tail and pushing d, want [a d]", got)
	}
	if !q.Remove(tab, a) {
		t.Fatal("Remove of the head returned false")
	}
	if q.Peek() != d || q.Len() != 1 {
		t.Errorf("queue head is %d with length %d, want %d with length 1", q.Peek(), q.Len(), d)
	}
}

func TestQueueDoublePush(t *testing.T) {
	tab := newTestTable(2)
	var q, other Queue[*item]
	a := alloc(t, tab, "a")
	q.Push(tab, a)
	defer func() {
		if recover() == nil {
			t.Error("pushing an entry into a second queue did not panic")
		}
	}()
	other.Push(tab, a)
}

func TestTableRecycle(t *testing.T) {
	tab := newTestTable(2)
	a := alloc(t, tab, "a")
	alloc(t, tab, "b")
	if _, _, ok := tab.Alloc(); ok {
		t.Fatal("Alloc on a full table succeeded")
	}
	old := tab.Get(a)
	tab.Free(a)
	if tab.Len() != 1 {
		t.Errorf("Len returned %d after Free, want 1", tab.Len())
	}
	i, fresh, ok := tab.Alloc()
	if !ok {
		t.Fatal("Alloc after Free failed")
	}
	if i != a {
		t.Errorf("Alloc returned slot %d, want recycled slot %d", i, a)
	}
	if fresh == old {
		t.Error("recycled slot reuses the old entity")
	}
}

func TestTableEach(t *testing.T) {
	tab := newTestTable(4)
	a := alloc(t, tab, "a")
	alloc(t, tab, "b")
	alloc(t, tab, "c")
	tab.Free(a)

	var got []string
	tab.Each(func(_ Index, it *item) { got = append(got, it.name) })
	if !equal(got, []string{"b", "c"}) {
		t.Errorf("Each visited %v, want [b c]", got)
	}
}
