package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateURL(t *testing.T) {
	assert.Equal(t, "http://example.com/***?***", ObfuscateURL("http://example.com/secret/stream.m3u8?token=abc"))
	assert.Equal(t, "http://example.com", ObfuscateURL("http://example.com"))
	assert.Equal(t, "", ObfuscateURL(""))
	assert.Equal(t, "***OBFUSCATED***", ObfuscateURL("http://exa mple.com/%zz"))
}

func TestLogURL(t *testing.T) {
	raw := "http://example.com/secret"
	assert.Equal(t, raw, LogURL(false, raw))
	assert.Equal(t, "http://example.com/***", LogURL(true, raw))
}

func TestSlugifyChannelID(t *testing.T) {
	assert.Equal(t, "cctv-1", SlugifyChannelID("CCTV-1"))
	assert.Equal(t, "bbc_one_hd", SlugifyChannelID("BBC One HD"))
	assert.Equal(t, "央视一套", SlugifyChannelID("央视一套"))
	assert.Equal(t, "a_b", SlugifyChannelID("  A // B  "))
	assert.Equal(t, "", SlugifyChannelID("!!!"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", FormatBytes(3*512*1024))
}
