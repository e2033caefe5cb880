package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"wabridge/pkg/session"
)

func TestExtension(t *testing.T) {
	tests := []struct {
		kind Kind
		mime string
		want string
	}{
		{KindImage, "image/png", "jpg"},
		{KindImage, "", "jpg"},
		{KindAudio, "audio/ogg", "mp3"},
		{KindAudio, "audio/ogg; codecs=opus", "mp3"},
		{KindVideo, "video/mp4", "mp4"},
		{KindVideo, "video/3gpp; codecs=x", "3gpp"},
		{KindVideo, "garbage", "mp4"},
		{KindDocument, "application/pdf", "pdf"},
		{KindDocument, "application/msword", "doc"},
		{KindDocument, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "docx"},
		{KindDocument, "application/vnd.ms-excel", "xls"},
		{KindDocument, "application/zip", "bin"},
		{KindDocument, "", "bin"},
	}

	for _, tc := range tests {
		if got := Extension(tc.kind, tc.mime); got != tc.want {
			t.Fatalf("Extension(%s, %q) = %q, want %q", tc.kind, tc.mime, got, tc.want)
		}
	}
}

func TestStoragePath(t *testing.T) {
	key := session.MessageKey{ID: "3EB0", RemoteJID: "5511@s.whatsapp.net"}

	name := FileNameKey(key)
	if name != "3EB0-5511@s.whatsapp.net" {
		t.Fatalf("FileNameKey() = %q", name)
	}
	if got := StoragePath(KindAudio, name, "mp3"); got != "/audio/3EB0-5511@s.whatsapp.net.mp3" {
		t.Fatalf("StoragePath() = %q", got)
	}
}

func TestMessageEventJSON(t *testing.T) {
	msg, err := Classify(rawWith(&session.MessageContent{
		Location: &session.LocationMessage{DegreesLatitude: ptr(-23.5), DegreesLongitude: ptr(-46.6)},
	}))
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "locationMessage", decoded["type"])
	require.Equal(t, "location", decoded["messageType"])
	require.Equal(t, -23.5, decoded["degreesLatitude"])
	require.Equal(t, -46.6, decoded["degreesLongitude"])
	require.EqualValues(t, 1717171717, decoded["timestamp"])
	require.NotContains(t, decoded, "filePath")

	contact := decoded["contact"].(map[string]any)
	require.Equal(t, testChat, contact["id"])
	require.Equal(t, false, contact["isMe"])

	target := decoded["target"].(map[string]any)
	require.Equal(t, "ABC123", target["key"].(map[string]any)["id"])
}

func TestMessageEventCarriesStorageKey(t *testing.T) {
	msg, err := Classify(rawWith(&session.MessageContent{Audio: &session.MediaMessage{Mimetype: "audio/ogg"}}))
	require.NoError(t, err)

	media := msg.Media()
	media.StorageKey = "audio/ABC123.mp3"
	media.Content = "transcribed words"

	ev := msg.Event()
	require.Equal(t, "audio/ABC123.mp3", ev.StorageKey)
	require.Equal(t, "transcribed words", ev.Content)
	require.Equal(t, "audio/ogg", ev.MimeType)
	require.Equal(t, "/audio/ABC123-"+testChat+".mp3", ev.FilePath)
}
