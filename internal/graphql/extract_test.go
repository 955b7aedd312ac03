package graphql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/harvault/internal/har"
)

func jsonPost(text string) *har.PostData {
	return &har.PostData{MimeType: "application/json", Text: &text}
}

func TestExtract_JSONBody(t *testing.T) {
	req := &har.Request{
		Method:   "POST",
		URL:      "https://example.com/graphql",
		Headers:  []har.Header{{Name: "Content-Type", Value: "application/json"}},
		PostData: jsonPost(`{"query":"query GetUser { viewer { login } }","operationName":"GetUser"}`),
	}

	info := Extract(req)
	require.NotNil(t, info)
	assert.Equal(t, "query", info.OperationType)
	assert.Equal(t, "GetUser", info.OperationName)
	assert.Equal(t, []string{"viewer"}, info.TopLevelFields)
}

func TestExtract_TopLevelFieldsAndFragments(t *testing.T) {
	req := &har.Request{
		Method: "POST",
		URL:    "https://example.com/graphql",
		PostData: jsonPost(`{"query":"query Q { a b { c } ...F } fragment F on Query { d }"}`),
	}

	info := Extract(req)
	require.NotNil(t, info)
	assert.Equal(t, "query", info.OperationType)
	assert.Equal(t, "Q", info.OperationName)
	assert.Equal(t, []string{"a", "b", "d"}, info.TopLevelFields)
}

func TestExtract_Mutation(t *testing.T) {
	req := &har.Request{
		Method:   "POST",
		URL:      "https://example.com/api",
		PostData: jsonPost(`{"query":"mutation AddUser { addUser { id } }"}`),
	}

	info := Extract(req)
	require.NotNil(t, info)
	assert.Equal(t, "mutation", info.OperationType)
	assert.Equal(t, "AddUser", info.OperationName)
	assert.Equal(t, []string{"addUser"}, info.TopLevelFields)
}

func TestExtract_AnonymousOperationDefaultsToQuery(t *testing.T) {
	req := &har.Request{
		Method:   "POST",
		URL:      "https://example.com/gql",
		PostData: jsonPost(`{"query":"{ me { id } }"}`),
	}

	info := Extract(req)
	require.NotNil(t, info)
	assert.Equal(t, "query", info.OperationType)
	assert.Empty(t, info.OperationName)
	assert.Equal(t, []string{"me"}, info.TopLevelFields)
}

func TestExtract_QueryParams(t *testing.T) {
	req := &har.Request{
		Method: "GET",
		URL:    "https://example.com/graphql?query=query%20Foo%20%7B%20viewer%20%7D&operationName=Foo",
		QueryString: []har.QueryParam{
			{Name: "query", Value: "query Foo { viewer }"},
			{Name: "operationName", Value: "Foo"},
		},
	}

	info := Extract(req)
	require.NotNil(t, info)
	assert.Equal(t, "query", info.OperationType)
	assert.Equal(t, "Foo", info.OperationName)
	assert.Equal(t, []string{"viewer"}, info.TopLevelFields)
}

func TestExtract_PersistedQueryWithoutText(t *testing.T) {
	req := &har.Request{
		Method:   "POST",
		URL:      "https://example.com/graphql",
		PostData: jsonPost(`{"operationName":"PersistedUser","extensions":{"persistedQuery":{"version":1,"sha256Hash":"abc"}}}`),
	}

	info := Extract(req)
	require.NotNil(t, info)
	assert.Empty(t, info.OperationType)
	assert.Equal(t, "PersistedUser", info.OperationName)
	assert.Empty(t, info.TopLevelFields)
}

func TestExtract_NotGraphQL(t *testing.T) {
	body := `{"name":"plain"}`
	req := &har.Request{
		Method:   "POST",
		URL:      "https://example.com/api/users",
		PostData: &har.PostData{MimeType: "application/json", Text: &body},
	}

	assert.Nil(t, Extract(req))
}
