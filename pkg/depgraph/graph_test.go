// SPDX-License-Identifier: Apache-2.0

package depgraph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsync/pgsync/pkg/depgraph"
)

type fakeReader struct {
	graph *depgraph.Graph
	calls int
}

func (f *fakeReader) ForeignKeyDependencies(_ context.Context) (*depgraph.Graph, error) {
	f.calls++
	return f.graph, nil
}

func TestBuilderMemoizesUntilReset(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{graph: depgraph.New()}
	b := depgraph.NewBuilder(reader)
	ctx := context.Background()

	_, err := b.Build(ctx)
	require.NoError(t, err)
	_, err = b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)

	b.Reset()
	_, err = b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.calls)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestSortParentsFirst(t *testing.T) {
	t.Parallel()

	g := depgraph.New()
	g.AddEdge("orders", "users")
	g.AddEdge("orders", "products")
	g.AddEdge("products", "categories")
	g.AddEdge("order_items", "orders")
	g.AddEdge("order_items", "products")
	g.AddEdge("reviews", "users")

	input := []string{"order_items", "orders", "users", "products", "categories", "reviews"}
	out := g.Sort(input, depgraph.ParentsFirst)

	require.ElementsMatch(t, input, out)
	assert.Less(t, indexOf(out, "users"), indexOf(out, "orders"))
	assert.Less(t, indexOf(out, "categories"), indexOf(out, "products"))
	assert.Less(t, indexOf(out, "orders"), indexOf(out, "order_items"))
}

func TestSortSelfLoop(t *testing.T) {
	t.Parallel()

	g := depgraph.New()
	g.AddEdge("categories", "categories")
	g.AddEdge("products", "categories")

	out := g.Sort([]string{"products", "categories"}, depgraph.ParentsFirst)

	assert.Equal(t, []string{"categories", "products"}, out)
}

func TestSortChildrenFirstIsReverseOfParentsFirst(t *testing.T) {
	t.Parallel()

	g := depgraph.New()
	g.AddEdge("orders", "users")
	g.AddEdge("order_items", "orders")

	input := []string{"order_items", "orders", "users"}
	parents := g.Sort(input, depgraph.ParentsFirst)
	children := g.Sort(input, depgraph.ChildrenFirst)

	reversed := make([]string, len(parents))
	for i, v := range parents {
		reversed[len(parents)-1-i] = v
	}
	assert.Equal(t, reversed, children)
}

func TestSortIsPermutationAndHandlesUnknownNodes(t *testing.T) {
	t.Parallel()

	g := depgraph.New()
	g.AddEdge("orders", "users")

	input := []string{"orders", "users", "ghost_table"}
	out := g.Sort(input, depgraph.ParentsFirst)

	require.ElementsMatch(t, input, out)
	assert.Less(t, indexOf(out, "users"), indexOf(out, "orders"))
}

func TestSortDeterministic(t *testing.T) {
	t.Parallel()

	g := depgraph.New()
	g.AddEdge("orders", "users")
	g.AddEdge("orders", "products")
	g.AddEdge("order_items", "orders")

	input := []string{"order_items", "orders", "users", "products"}
	first := g.Sort(input, depgraph.ParentsFirst)
	second := g.Sort(input, depgraph.ParentsFirst)

	assert.Equal(t, first, second)
}
