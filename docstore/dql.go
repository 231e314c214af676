// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"strings"
	"unicode"
)

// DQL grammar accepted by Execute and RegisterObserver:
//
//	INSERT INTO [COLLECTION] <collection> [(<field> ATTACHMENT, ...)] DOCUMENTS (:param [, :param ...])
//	SELECT * FROM [COLLECTION] <collection> [(<field> ATTACHMENT, ...)] [WHERE <field> = :param [AND ...]]
//
// Keywords are case-insensitive; collection and field names are
// [A-Za-z_][A-Za-z0-9_]*. Parameters are substituted by name from the
// params map passed alongside the query.

type stmtKind int

const (
	stmtInsert stmtKind = iota
	stmtSelect
)

type whereClause struct {
	field string
	param string
}

type queryStmt struct {
	kind             stmtKind
	collection       string
	attachmentFields []string
	docParams        []string // insert: one param per document
	where            []whereClause
}

// parseQuery parses DQL text into a statement, or returns a *QueryError.
func parseQuery(query string) (*queryStmt, error) {
	toks := tokenize(query)
	if len(toks) == 0 {
		return nil, queryErrorf("empty query")
	}
	p := &dqlParser{toks: toks}

	switch strings.ToUpper(toks[0]) {
	case "INSERT":
		return p.parseInsert()
	case "SELECT":
		return p.parseSelect()
	default:
		return nil, queryErrorf("unsupported statement %q", toks[0])
	}
}

type dqlParser struct {
	toks []string
	pos  int
}

func (p *dqlParser) next() (string, bool) {
	if p.pos >= len(p.toks) {
		return "", false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *dqlParser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *dqlParser) expect(keyword string) error {
	t, ok := p.next()
	if !ok {
		return queryErrorf("unexpected end of query, expected %s", keyword)
	}
	if !strings.EqualFold(t, keyword) {
		return queryErrorf("expected %s, got %q", keyword, t)
	}
	return nil
}

func (p *dqlParser) acceptKeyword(keyword string) bool {
	if strings.EqualFold(p.peek(), keyword) {
		p.pos++
		return true
	}
	return false
}

func (p *dqlParser) ident() (string, error) {
	t, ok := p.next()
	if !ok {
		return "", queryErrorf("unexpected end of query, expected identifier")
	}
	if !isIdent(t) {
		return "", queryErrorf("invalid identifier %q", t)
	}
	return t, nil
}

func (p *dqlParser) param() (string, error) {
	t, ok := p.next()
	if !ok {
		return "", queryErrorf("unexpected end of query, expected :parameter")
	}
	if !strings.HasPrefix(t, ":") || !isIdent(t[1:]) {
		return "", queryErrorf("expected :parameter, got %q", t)
	}
	return t[1:], nil
}

func (p *dqlParser) end() error {
	if t, ok := p.next(); ok {
		return queryErrorf("unexpected token %q after end of statement", t)
	}
	return nil
}

// attachmentFieldList parses "(field ATTACHMENT, field ATTACHMENT, ...)".
// The opening parenthesis has already been consumed.
func (p *dqlParser) attachmentFieldList() ([]string, error) {
	var fields []string
	for {
		field, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expect("ATTACHMENT"); err != nil {
			return nil, err
		}
		fields = append(fields, strings.ToLower(field))
		t, ok := p.next()
		if !ok {
			return nil, queryErrorf("unexpected end of query in field list")
		}
		if t == ")" {
			return fields, nil
		}
		if t != "," {
			return nil, queryErrorf("expected ',' or ')' in field list, got %q", t)
		}
	}
}

func (p *dqlParser) parseInsert() (*queryStmt, error) {
	p.pos = 1 // past INSERT
	if err := p.expect("INTO"); err != nil {
		return nil, err
	}
	p.acceptKeyword("COLLECTION")

	stmt := &queryStmt{kind: stmtInsert}
	coll, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt.collection = strings.ToLower(coll)

	if p.peek() == "(" {
		p.pos++
		stmt.attachmentFields, err = p.attachmentFieldList()
		if err != nil {
			return nil, err
		}
	}

	if err := p.expect("DOCUMENTS"); err != nil {
		return nil, err
	}
	if t, ok := p.next(); !ok || t != "(" {
		return nil, queryErrorf("expected '(' after DOCUMENTS")
	}
	for {
		param, err := p.param()
		if err != nil {
			return nil, err
		}
		stmt.docParams = append(stmt.docParams, param)
		t, ok := p.next()
		if !ok {
			return nil, queryErrorf("unexpected end of query in DOCUMENTS list")
		}
		if t == ")" {
			break
		}
		if t != "," {
			return nil, queryErrorf("expected ',' or ')' in DOCUMENTS list, got %q", t)
		}
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *dqlParser) parseSelect() (*queryStmt, error) {
	p.pos = 1 // past SELECT
	if t, ok := p.next(); !ok || t != "*" {
		return nil, queryErrorf("only SELECT * is supported")
	}
	if err := p.expect("FROM"); err != nil {
		return nil, err
	}
	p.acceptKeyword("COLLECTION")

	stmt := &queryStmt{kind: stmtSelect}
	coll, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt.collection = strings.ToLower(coll)

	if p.peek() == "(" {
		p.pos++
		stmt.attachmentFields, err = p.attachmentFieldList()
		if err != nil {
			return nil, err
		}
	}

	if p.acceptKeyword("WHERE") {
		for {
			field, err := p.ident()
			if err != nil {
				return nil, err
			}
			if t, ok := p.next(); !ok || t != "=" {
				return nil, queryErrorf("only equality comparisons are supported")
			}
			param, err := p.param()
			if err != nil {
				return nil, err
			}
			stmt.where = append(stmt.where, whereClause{field: strings.ToLower(field), param: param})
			if !p.acceptKeyword("AND") {
				break
			}
		}
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return stmt, nil
}

// tokenize splits query text into identifiers, :parameters and the
// punctuation tokens ( ) , = *.
func tokenize(query string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range query {
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == '(' || r == ')' || r == ',' || r == '=' || r == '*':
			flush()
			toks = append(toks, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case unicode.IsDigit(r):
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
