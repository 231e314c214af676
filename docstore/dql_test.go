// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInsert(t *testing.T) {
	stmt, err := parseQuery(`INSERT INTO COLLECTION cars DOCUMENTS (:newCar)`)
	require.NoError(t, err)
	require.Equal(t, stmtInsert, stmt.kind)
	require.Equal(t, "cars", stmt.collection)
	require.Equal(t, []string{"newCar"}, stmt.docParams)
	require.Empty(t, stmt.attachmentFields)
}

func TestParseInsertWithoutCollectionKeyword(t *testing.T) {
	stmt, err := parseQuery(`INSERT INTO cars DOCUMENTS (:a, :b)`)
	require.NoError(t, err)
	require.Equal(t, "cars", stmt.collection)
	require.Equal(t, []string{"a", "b"}, stmt.docParams)
}

func TestParseInsertWithAttachmentFields(t *testing.T) {
	stmt, err := parseQuery(`INSERT INTO COLLECTION photos (image ATTACHMENT, thumb ATTACHMENT) DOCUMENTS (:newPhoto)`)
	require.NoError(t, err)
	require.Equal(t, "photos", stmt.collection)
	require.Equal(t, []string{"image", "thumb"}, stmt.attachmentFields)
}

func TestParseSelect(t *testing.T) {
	stmt, err := parseQuery(`SELECT * FROM cars`)
	require.NoError(t, err)
	require.Equal(t, stmtSelect, stmt.kind)
	require.Equal(t, "cars", stmt.collection)
	require.Empty(t, stmt.where)
}

func TestParseSelectWithWhere(t *testing.T) {
	stmt, err := parseQuery(`SELECT * FROM COLLECTION cars WHERE color = :myColor AND make = :myMake`)
	require.NoError(t, err)
	require.Equal(t, []whereClause{
		{field: "color", param: "myColor"},
		{field: "make", param: "myMake"},
	}, stmt.where)
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	stmt, err := parseQuery(`select * from collection Cars where Color = :c`)
	require.NoError(t, err)
	require.Equal(t, "cars", stmt.collection)
	require.Equal(t, "color", stmt.where[0].field)
}

func TestParseSelectAttachmentFields(t *testing.T) {
	stmt, err := parseQuery(`SELECT * FROM COLLECTION photos (image ATTACHMENT) WHERE title = :t`)
	require.NoError(t, err)
	require.Equal(t, []string{"image"}, stmt.attachmentFields)
	require.Len(t, stmt.where, 1)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		``,
		`DELETE FROM cars`,
		`INSERT INTO cars`,
		`INSERT INTO cars DOCUMENTS ()`,
		`INSERT INTO cars DOCUMENTS (:a` + "",
		`INSERT INTO cars DOCUMENTS (notAParam)`,
		`SELECT id FROM cars`,
		`SELECT * FROM cars WHERE color > :c`,
		`SELECT * FROM cars WHERE color = :c extra`,
		`SELECT * FROM COLLECTION cars (image) WHERE a = :b`,
	}
	for _, query := range cases {
		_, err := parseQuery(query)
		require.Error(t, err, "query %q should not parse", query)
		var qerr *QueryError
		require.True(t, errors.As(err, &qerr), "query %q should yield a QueryError, got %T", query, err)
	}
}

func TestTokenize(t *testing.T) {
	toks := tokenize(`SELECT * FROM cars WHERE a=:b AND (c , d)`)
	require.Equal(t, []string{"SELECT", "*", "FROM", "cars", "WHERE", "a", "=", ":b", "AND", "(", "c", ",", "d", ")"}, toks)
}
