// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleMentionCoversWholeTail(t *testing.T) {
	mentions := ParseMentions("@dev please fix the login bug")
	require.Len(t, mentions, 1)
	assert.Equal(t, "dev", mentions[0].Target)
	assert.Equal(t, "please fix the login bug", mentions[0].Content)
}

func TestParseMultipleMentionsPreservesOrder(t *testing.T) {
	mentions := ParseMentions("@dev fix it @reviewer check it @ops deploy")
	require.Len(t, mentions, 3)
	assert.Equal(t, "dev", mentions[0].Target)
	assert.Equal(t, "fix it", mentions[0].Content)
	assert.Equal(t, "reviewer", mentions[1].Target)
	assert.Equal(t, "check it", mentions[1].Content)
	assert.Equal(t, "ops", mentions[2].Target)
	assert.Equal(t, "deploy", mentions[2].Content)
}

func TestParseMentionMidText(t *testing.T) {
	mentions := ParseMentions("hey @dev the build is red")
	require.Len(t, mentions, 1)
	assert.Equal(t, "dev", mentions[0].Target)
	assert.Equal(t, "the build is red", mentions[0].Content)
}

func TestParseNoMentions(t *testing.T) {
	assert.Nil(t, ParseMentions("no mentions here"))
	assert.False(t, HasMentions("plain text"))
	assert.True(t, HasMentions("ping @dev"))
}

func TestIsBroadcast(t *testing.T) {
	assert.True(t, IsBroadcast("@all stand-up in five"))
	assert.True(t, IsBroadcast("@team ship it"))
	assert.True(t, IsBroadcast("@ALL caps too"))
	assert.False(t, IsBroadcast("@dev just you"))
	assert.False(t, IsBroadcast("nothing"))
}
