package models

import (
	"strings"
	"testing"
	"time"

	"go-dm/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Image ")
	require.NoError(t, err)
	assert.Equal(t, KindImage, k)

	_, err = ParseKind("voice")
	assert.True(t, apperr.IsValidation(err))
}

func TestContentConstructors(t *testing.T) {
	t.Run("text requires body", func(t *testing.T) {
		_, err := TextContent("   ")
		assert.True(t, apperr.IsValidation(err))

		c, err := TextContent("hi")
		require.NoError(t, err)
		assert.Equal(t, KindText, c.Kind())
		assert.Nil(t, c.Attachment())
		assert.True(t, c.Valid())
	})

	t.Run("attachment requires url", func(t *testing.T) {
		_, err := AttachmentContent(KindImage, Attachment{OriginalName: "a.png"})
		assert.True(t, apperr.IsValidation(err))

		_, err = AttachmentContent(KindText, Attachment{URL: "http://x/a.png"})
		assert.True(t, apperr.IsValidation(err))

		c, err := AttachmentContent(KindDocument, Attachment{URL: "http://x/a.pdf", OriginalName: "a.pdf"})
		require.NoError(t, err)
		assert.Equal(t, "", c.Body())
		assert.Equal(t, "a.pdf", c.Attachment().OriginalName)
	})

	t.Run("zero value is invalid", func(t *testing.T) {
		assert.False(t, Content{}.Valid())
	})
}

func TestContentPreview(t *testing.T) {
	text, _ := TextContent("hello")
	named, _ := AttachmentContent(KindVideo, Attachment{URL: "u", OriginalName: "clip.mp4"})
	unnamed, _ := AttachmentContent(KindImage, Attachment{URL: "u"})

	assert.Equal(t, "hello", text.Preview())
	assert.Equal(t, "clip.mp4", named.Preview())
	assert.Equal(t, "image", unnamed.Preview())
}

func long(n int) string { return strings.Repeat("x", n) }

func TestDraftValidate(t *testing.T) {
	text, _ := TextContent("hi")
	bigText, err := TextContent(long(MaxTextBytes + 1))
	require.NoError(t, err)
	longName, err := AttachmentContent(KindDocument, Attachment{URL: "http://h/f", OriginalName: long(MaxNameLen + 1)})
	require.NoError(t, err)
	tests := []struct {
		name  string
		draft *Draft
		ok    bool
	}{
		{"nil", nil, false},
		{"missing sender", &Draft{Recipient: "b", Content: text}, false},
		{"missing recipient", &Draft{Sender: "a", Content: text}, false},
		{"self message", &Draft{Sender: "a", Recipient: "a", Content: text}, false},
		{"zero content", &Draft{Sender: "a", Recipient: "b"}, false},
		{"ok", &Draft{Sender: "a", Recipient: "b", Content: text}, true},
		{"sender too long", &Draft{Sender: long(MaxUserIDLen + 1), Recipient: "b", Content: text}, false},
		{"recipient at limit", &Draft{Sender: "a", Recipient: long(MaxUserIDLen), Content: text}, true},
		{"client id too long", &Draft{Sender: "a", Recipient: "b", Content: text, ClientMsgID: long(MaxClientMsgIDLen + 1)}, false},
		{"body too long", &Draft{Sender: "a", Recipient: "b", Content: bigText}, false},
		{"attachment name too long", &Draft{Sender: "a", Recipient: "b", Content: longName}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperr.IsValidation(err))
			}
		})
	}
}

func TestMessageVisibility(t *testing.T) {
	text, _ := TextContent("hi")
	m := &Message{ID: "1", Sender: "a", Recipient: "b", Content: text, DeletedFor: []string{"b"}}

	assert.True(t, m.VisibleTo("a"))
	assert.False(t, m.VisibleTo("b"))
	assert.False(t, m.VisibleTo("c"))
	assert.Equal(t, "b", m.Peer("a"))
	assert.Equal(t, "a", m.Peer("b"))
	assert.Equal(t, "", m.Peer("c"))
}

func TestMessageLessAndClone(t *testing.T) {
	at := time.UnixMilli(1000)
	a := &Message{ID: "01A", CreatedAt: at}
	b := &Message{ID: "01B", CreatedAt: at}
	c := &Message{ID: "01", CreatedAt: at.Add(time.Millisecond)}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))

	att, _ := AttachmentContent(KindImage, Attachment{URL: "u"})
	m := &Message{ID: "x", Content: att, DeletedFor: []string{"a"}}
	cp := m.Clone()
	cp.DeletedFor[0] = "z"
	assert.Equal(t, "a", m.DeletedFor[0])
}
