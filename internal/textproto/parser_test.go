package textproto

import (
	"reflect"
	"testing"
)

func TestTokenize_TagCommandRest(t *testing.T) {
	tokens := Tokenize("a1 UID FETCH 1:3 (FLAGS UID)", 3)
	expected := []string{"a1", "UID", "FETCH 1:3 (FLAGS UID)"}

	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected %q, got %q", expected, tokens)
	}
}

func TestTokenize_QuotedStringStaysWhole(t *testing.T) {
	tokens := Tokenize(`a2 LOGIN "user name" "pass word"`, 0)
	expected := []string{"a2", "LOGIN", `"user name"`, `"pass word"`}

	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected %q, got %q", expected, tokens)
	}
}

func TestTokenize_ParenthesizedGroupStaysWhole(t *testing.T) {
	tokens := Tokenize("FETCH 1 (FLAGS BODY.PEEK[HEADER.FIELDS (FROM TO)])", 0)
	expected := []string{"FETCH", "1", "(FLAGS BODY.PEEK[HEADER.FIELDS (FROM TO)])"}

	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected %q, got %q", expected, tokens)
	}
}

func TestTokenize_BracketGroupMidToken(t *testing.T) {
	tokens := Tokenize("BODY.PEEK[HEADER.FIELDS (FROM TO)] FLAGS", 0)
	expected := []string{"BODY.PEEK[HEADER.FIELDS (FROM TO)]", "FLAGS"}

	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected %q, got %q", expected, tokens)
	}
}

func TestTokenize_NestedGroups(t *testing.T) {
	tokens := Tokenize("(A (B C) D) E", 0)
	expected := []string{"(A (B C) D)", "E"}

	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected %q, got %q", expected, tokens)
	}
}

func TestTokenize_MaxOneReturnsRemainder(t *testing.T) {
	tokens := Tokenize("OR SEEN FLAGGED", 1)
	expected := []string{"OR SEEN FLAGGED"}

	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected %q, got %q", expected, tokens)
	}
}

func TestTokenize_Empty(t *testing.T) {
	tokens := Tokenize("", 3)
	if len(tokens) != 0 {
		t.Errorf("Expected no tokens, got %q", tokens)
	}
}

func TestTokenize_CollapsesWhitespaceRuns(t *testing.T) {
	tokens := Tokenize("a1   NOOP", 0)
	expected := []string{"a1", "NOOP"}

	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected %q, got %q", expected, tokens)
	}
}

func TestUnquote_Quoted(t *testing.T) {
	if got := Unquote(`"INBOX"`); got != "INBOX" {
		t.Errorf("Expected 'INBOX', got %q", got)
	}
}

func TestUnquote_Bare(t *testing.T) {
	if got := Unquote("INBOX"); got != "INBOX" {
		t.Errorf("Expected 'INBOX', got %q", got)
	}
}

func TestUnquote_SingleQuoteChar(t *testing.T) {
	if got := Unquote(`"`); got != `"` {
		t.Errorf("Expected single quote back, got %q", got)
	}
}

func TestParenthesizedList_Flat(t *testing.T) {
	items := ParenthesizedList("(FLAGS UID)")
	expected := Atoms("FLAGS", "UID")

	if !reflect.DeepEqual(items, expected) {
		t.Errorf("Expected %v, got %v", expected, items)
	}
}

func TestParenthesizedList_Nested(t *testing.T) {
	items := ParenthesizedList("(FLAGS (UID 5))")
	expected := []Item{
		{Atom: "FLAGS"},
		{List: Atoms("UID", "5")},
	}

	if !reflect.DeepEqual(items, expected) {
		t.Errorf("Expected %v, got %v", expected, items)
	}
}

func TestParenthesizedList_BareTokenNormalized(t *testing.T) {
	items := ParenthesizedList("FLAGS UID")
	expected := Atoms("FLAGS", "UID")

	if !reflect.DeepEqual(items, expected) {
		t.Errorf("Expected %v, got %v", expected, items)
	}
}

func TestParenthesizedList_BodyPeekSection(t *testing.T) {
	items := ParenthesizedList("(FLAGS BODY.PEEK[HEADER.FIELDS (FROM TO)])")
	expected := []Item{
		{Atom: "FLAGS"},
		{Atom: "BODY.PEEK"},
		{List: []Item{
			{Atom: "HEADER.FIELDS"},
			{List: Atoms("FROM", "TO")},
		}},
	}

	if !reflect.DeepEqual(items, expected) {
		t.Errorf("Expected %v, got %v", expected, items)
	}
}

func TestParenthesizedList_Empty(t *testing.T) {
	if items := ParenthesizedList(""); items != nil {
		t.Errorf("Expected nil, got %v", items)
	}
}
