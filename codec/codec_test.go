package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	To      string `json:"to" msgpack:"to"`
	Retries int    `json:"retries" msgpack:"retries"`
}

func TestGet(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: NameJSON},
		{name: "json", want: NameJSON},
		{name: "msgpack", want: NameMsgpack},
		{name: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("codec "+tt.name, func(t *testing.T) {
			c, err := Get(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.name)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Name())
		})
	}
}

func TestCodecs_PreserveValues(t *testing.T) {
	in := sample{To: "user@example.com", Retries: 3}

	for _, c := range []Codec{JSON{}, Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(in)
			require.NoError(t, err)

			var out sample
			require.NoError(t, c.Decode(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestPayload(t *testing.T) {
	data, err := Payload(JSON{}, sample{To: "a@b.c"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"to":"a@b.c","retries":0}`, string(data))

	_, err = Payload(JSON{}, make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode json payload")
}
