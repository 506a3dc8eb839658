package algorithm

import (
	"container/heap"
	"math"
)

// Item 是排序队列中的元素，包装了订单在请求中的下标
type Item struct {
	Index int     // 订单在请求 orders 中的下标
	Key   float64 // 排序键，越小越先出队
	index int     // 元素在堆中的位置
}

// OrderQueue 实现了 heap.Interface，是按 Key 排序的最小堆
// Key 相同时按请求中的先后顺序出队，保证结果确定
type OrderQueue []*Item

func (q OrderQueue) Len() int { return len(q) }

func (q OrderQueue) Less(i, j int) bool {
	if q[i].Key != q[j].Key {
		return q[i].Key < q[j].Key
	}
	return q[i].Index < q[j].Index
}

func (q OrderQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *OrderQueue) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *OrderQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// Sequence 按 key 返回订单下标的出队顺序
func Sequence(n int, key func(i int) float64) []int {
	q := make(OrderQueue, 0, n)
	for i := 0; i < n; i++ {
		heap.Push(&q, &Item{Index: i, Key: key(i)})
	}
	out := make([]int, 0, n)
	for q.Len() > 0 {
		out = append(out, heap.Pop(&q).(*Item).Index)
	}
	return out
}

// arrivalKey 先到先服务
func arrivalKey(i int) float64 { return float64(i) }

// dueKey 最早交期优先，没有交期的排在最后
func dueKey(due func(i int) *float64) func(int) float64 {
	return func(i int) float64 {
		if d := due(i); d != nil {
			return *d
		}
		return math.Inf(1)
	}
}
