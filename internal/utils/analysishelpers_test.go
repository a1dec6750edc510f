package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sensitiveNames = []string{"userId", "email", "username", "sessionId", "token", "authenticated"}

func TestFindSensitiveFields_NestedPathsInDocumentOrder(t *testing.T) {
	body := []byte(`{
		"authenticated": true,
		"user": {"id": 7, "username": "admin", "contact": {"email": "a@b.c"}},
		"sessions": [{"sessionId": "s1"}, {"other": 1}, {"sessionId": "s3"}],
		"csrfToken": "abc",
		"count": 3
	}`)

	found, err := FindSensitiveFields(body, sensitiveNames)
	require.NoError(t, err)

	assert.Equal(t, []SensitiveField{
		{Path: "authenticated", Value: "true"},
		{Path: "user.username", Value: "admin"},
		{Path: "user.contact.email", Value: "a@b.c"},
		{Path: "sessions[0].sessionId", Value: "s1"},
		{Path: "sessions[2].sessionId", Value: "s3"},
		{Path: "csrfToken", Value: "abc"},
	}, found)
}

func TestFindSensitiveFields_ParentBeforeChildren(t *testing.T) {
	found, err := FindSensitiveFields([]byte(`{"token": {"token": null}}`), sensitiveNames)
	require.NoError(t, err)
	assert.Equal(t, []SensitiveField{
		{Path: "token", Value: "{...}"},
		{Path: "token.token", Value: "null"},
	}, found)
}

func TestFindSensitiveFields_TopLevelArray(t *testing.T) {
	found, err := FindSensitiveFields([]byte(`[{"email": "x"}, [{"userId": 12}]]`), sensitiveNames)
	require.NoError(t, err)
	assert.Equal(t, []SensitiveField{
		{Path: "[0].email", Value: "x"},
		{Path: "[1][0].userId", Value: "12"},
	}, found)
}

func TestFindSensitiveFields_InvalidJSON(t *testing.T) {
	_, err := FindSensitiveFields([]byte(`{"email": `), sensitiveNames)
	assert.Error(t, err)

	found, err := FindSensitiveFields([]byte(`{"nothing": "here"}`), sensitiveNames)
	assert.NoError(t, err)
	assert.Empty(t, found)
}
