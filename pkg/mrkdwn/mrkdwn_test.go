package mrkdwn

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "bold", in: "**a** and **b**", want: "*a* and *b*"},
		{name: "link", in: "[docs](https://x.io/a)", want: "<https://x.io/a|docs>"},
		{name: "bold link", in: "**[see](http://x)**", want: "*<http://x|see>*"},
		{name: "single star untouched", in: "*already*", want: "*already*"},
		{name: "unclosed bold untouched", in: "**open", want: "**open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Convert(tt.in))
		})
	}
}

func TestBlocksMixedDocument(t *testing.T) {
	in := "**Q1** results: [see](http://x)\n### Header\n---\nbody"

	blocks := Blocks(in)
	require.Len(t, blocks, 4)

	section, ok := blocks[0].(*slack.SectionBlock)
	require.True(t, ok)
	assert.Equal(t, slack.MarkdownType, section.Text.Type)
	assert.Equal(t, "*Q1* results: <http://x|see>", section.Text.Text)

	header, ok := blocks[1].(*slack.HeaderBlock)
	require.True(t, ok)
	assert.Equal(t, slack.PlainTextType, header.Text.Type)
	assert.Equal(t, "Header", header.Text.Text)
	raw, err := json.Marshal(header)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"emoji":true`)

	_, ok = blocks[2].(*slack.DividerBlock)
	assert.True(t, ok)

	body, ok := blocks[3].(*slack.SectionBlock)
	require.True(t, ok)
	assert.Equal(t, "body", body.Text.Text)

	assert.Equal(t, "*Q1* results: <http://x|see>\n### Header\n---\nbody", Convert(in))
}

func TestBlocksGroupsContiguousLines(t *testing.T) {
	blocks := Blocks("line one\nline two\n\n  \n***\n\n")
	require.Len(t, blocks, 2)

	section := blocks[0].(*slack.SectionBlock)
	assert.Equal(t, "line one\nline two", section.Text.Text)
	assert.IsType(t, &slack.DividerBlock{}, blocks[1])
}

func TestBlocksSkipsBlankInput(t *testing.T) {
	assert.Empty(t, Blocks(""))
	assert.Empty(t, Blocks("\n   \n"))
}

func TestBlocksHeaderLevelsAndTruncation(t *testing.T) {
	long := strings.Repeat("é", MaxHeaderLength+10)

	blocks := Blocks("# One\n###### Six\n####### Seven\n#NoSpace\n## " + long)
	require.Len(t, blocks, 4)

	assert.Equal(t, "One", blocks[0].(*slack.HeaderBlock).Text.Text)
	assert.Equal(t, "Six", blocks[1].(*slack.HeaderBlock).Text.Text)
	assert.Equal(t, "####### Seven\n#NoSpace", blocks[2].(*slack.SectionBlock).Text.Text)

	got := blocks[3].(*slack.HeaderBlock).Text.Text
	assert.Equal(t, MaxHeaderLength, len([]rune(got)))
}
