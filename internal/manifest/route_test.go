// SPDX-License-Identifier: MIT

package manifest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquifercache/aquifer/prefetch"
	"github.com/aquifercache/aquifer/router"
)

func stubResolver(_ context.Context, _ json.RawMessage) (any, error) {
	return nil, nil
}

func testRegistry(t *testing.T) *router.Router {
	t.Helper()
	r := router.New()
	r.Query("post.byId", stubResolver)
	r.Query("post.list", stubResolver)
	r.Mutation("post.create", stubResolver)
	return r
}

func TestValidateName(t *testing.T) {
	valid := []string{"posts", "posts/42", "a_b-c/d0", "Posts/Index"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}

	invalid := []string{"", "/posts", "posts/", "no spaces", "posts//42", "posts.42", "föö"}
	for _, name := range invalid {
		assert.Error(t, ValidateName(name), name)
	}
}

func TestRouteValidate(t *testing.T) {
	reg := testRegistry(t)

	ok := Route{
		Name:    "posts/42",
		Queries: []prefetch.Query{{Path: "post.byId"}, {Path: "post.list"}},
	}
	assert.NoError(t, ok.Validate(reg))
}

func TestRouteValidateUnknownProcedure(t *testing.T) {
	reg := testRegistry(t)

	r := Route{Name: "posts", Queries: []prefetch.Query{{Path: "user.byId"}}}
	err := r.Validate(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown procedure")
}

func TestRouteValidateRejectsMutation(t *testing.T) {
	reg := testRegistry(t)

	r := Route{Name: "posts", Queries: []prefetch.Query{{Path: "post.create"}}}
	err := r.Validate(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutation")
}

func TestRouteValidateNeedsQueries(t *testing.T) {
	reg := testRegistry(t)
	assert.Error(t, Route{Name: "posts"}.Validate(reg))
}

func TestRouteValidateBadName(t *testing.T) {
	reg := testRegistry(t)
	r := Route{Name: "bad name", Queries: []prefetch.Query{{Path: "post.byId"}}}
	assert.Error(t, r.Validate(reg))
}
