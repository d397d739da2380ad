package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"  my file.txt  ", "my file.txt"},
		{"../../etc/passwd", "....etcpasswd"},
		{"naïve résumé.doc", "nave rsum.doc"},
		{"a<b>c|d?.png", "abcd.png"},
		{"   ", "file"},
		{"日本語", "file"},
		{"under_score-dash.tar.gz", "under_score-dash.tar.gz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "SanitizeFilename(%q)", tt.in)
	}
}

func TestSanitizeFilename_TruncatesKeepingExtension(t *testing.T) {
	name := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeFilename(name)
	assert.Len(t, got, maxFilenameBytes)
	assert.True(t, strings.HasSuffix(got, ".pdf"))
}

func TestNewObjectName(t *testing.T) {
	a, err := newObjectName("photo.jpg")
	require.NoError(t, err)
	b, err := newObjectName("photo.jpg")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, "_photo.jpg"))
	assert.Len(t, strings.SplitN(a, "_", 2)[0], 16)
	assert.True(t, validObjectName(a))
}

func TestValidObjectName(t *testing.T) {
	assert.True(t, validObjectName("0123456789abcdef_file.txt"))
	assert.False(t, validObjectName("0123456789abcdef_../secret"))
	assert.False(t, validObjectName("short_file.txt"))
	assert.False(t, validObjectName("0123456789ABCDEF_file.txt"))
	assert.False(t, validObjectName(""))
}

func TestValidPIN(t *testing.T) {
	assert.True(t, validPIN("abcd"))
	assert.True(t, validPIN(" correct horse "))
	assert.False(t, validPIN("abc"))
	assert.False(t, validPIN("  ab  "))
	assert.False(t, validPIN(""))
}

func TestNewShareToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := newShareToken()
		assert.Len(t, tok, shareTokenLength)
		assert.False(t, seen[tok], "duplicate token %q", tok)
		seen[tok] = true
	}
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/png", contentTypeFor("x.png", "image/png"))
	assert.Equal(t, "application/pdf", contentTypeFor("x.PDF", "application/octet-stream"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("x.unknownext", ""))
}

func TestPrettyRemaining(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Minute, "Expired"},
		{0, "Expired"},
		{30 * time.Second, "<1m"},
		{45 * time.Minute, "45m"},
		{3*time.Hour + 5*time.Minute, "3h 5m"},
		{2*24*time.Hour + time.Hour, "2d 1h"},
		{7 * 24 * time.Hour, "7d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, prettyRemaining(now.Add(tt.d), now), "remaining %s", tt.d)
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "naïve.txt", displayName("C:\\Users\\me\\naïve.txt"))
	assert.Equal(t, "file", displayName("   "))
	assert.Equal(t, "b.txt", displayName("a/b.txt"))
	assert.Equal(t, maxStoredNameRune, len([]rune(displayName(strings.Repeat("é", 400)))))
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.0 KiB", humanBytes(1024))
	assert.Equal(t, "1.5 MiB", humanBytes(3<<19))
	assert.Equal(t, "2.0 GiB", humanBytes(2<<30))
}

func TestStatus(t *testing.T) {
	now := time.Now()
	f := FileRecord{ExpiryDate: now.Add(time.Hour), MaxDownloads: 2}
	assert.Equal(t, StatusActive, f.Status(now))

	f.DownloadCount = 2
	assert.Equal(t, StatusLimitReached, f.Status(now))

	f.ExpiryDate = now
	assert.Equal(t, StatusExpired, f.Status(now), "expiry is exclusive")
}

func TestHashAndCheckSecret(t *testing.T) {
	hash, err := HashSecret("  open sesame ")
	require.NoError(t, err)
	assert.True(t, isBcryptHash(hash))
	assert.True(t, CheckSecret(hash, "open sesame"))
	assert.False(t, CheckSecret(hash, "open sesame!"))
	assert.False(t, CheckSecret("not-a-hash", "open sesame"))
}

func TestHashSecret_LongPhrases(t *testing.T) {
	long := strings.Repeat("correct horse battery staple ", 4)
	require.Greater(t, len(long), 72)

	hash, err := HashSecret(long)
	require.NoError(t, err)
	assert.True(t, CheckSecret(hash, long))
	assert.False(t, CheckSecret(hash, long+"!"), "bytes past 72 still count")

	huge := strings.Repeat("x", maxPINBytes)
	hash, err = HashSecret(huge)
	require.NoError(t, err)
	assert.True(t, CheckSecret(hash, huge))
}

func TestPINTooLong(t *testing.T) {
	assert.False(t, pinTooLong(strings.Repeat("a", maxPINBytes)))
	assert.True(t, pinTooLong(strings.Repeat("a", maxPINBytes+1)))
}
