package protocol

import (
	"encoding/json"
	"testing"

	"github.com/oca159/gaffer/internal/registry"
)

func TestDecodeRequest(t *testing.T) {
	t.Parallel()

	req, err := DecodeRequest([]byte(`{"msgid":"7","msg":"identify","name":"c1","port":8000,"broadcast_address":"bc","version":1.0}`))
	if err != nil {
		t.Fatalf("DecodeRequest error: %v", err)
	}
	if req.MsgID != "7" || req.Msg != VerbIdentify || req.Name != "c1" || req.Port != 8000 {
		t.Fatalf("unexpected request: %+v", req)
	}

	req, err = DecodeRequest([]byte(`{"msgid":"8","msg":"add_process","name":"a.job1","pid":42}`))
	if err != nil {
		t.Fatalf("DecodeRequest error: %v", err)
	}
	if req.Name != "a.job1" || req.Pid != 42 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"missing msg", `{"msgid":"1"}`},
		{"wrong param type", `{"msgid":"1","msg":"add_process","name":"a.j","pid":"forty-two"}`},
		{"not an object", `[1,2,3]`},
	}
	for _, tc := range cases {
		if _, err := DecodeRequest([]byte(tc.frame)); err == nil {
			t.Errorf("%s: DecodeRequest accepted %q", tc.name, tc.frame)
		}
	}
}

func TestResponseEncoding(t *testing.T) {
	t.Parallel()

	ok := OKResponse("3")
	data, err := json.Marshal(ok)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"msgid":"3","result":"ok"}` {
		t.Fatalf("ok response = %s", data)
	}
	if !ok.OK() {
		t.Fatal("OKResponse not OK()")
	}

	fail := ErrorResponse("4", CodeJobNotFound, "job not found")
	data, err = json.Marshal(fail)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"msgid":"4","error":{"code":"job_not_found","reason":"job not found"}}` {
		t.Fatalf("error response = %s", data)
	}
	if fail.OK() {
		t.Fatal("ErrorResponse is OK()")
	}
}

func TestCodeFor(t *testing.T) {
	t.Parallel()

	cases := map[error]string{
		registry.ErrNoIdent:           CodeNoIdent,
		registry.ErrAlreadyIdentified: CodeAlreadyIdentified,
		registry.ErrIdentExists:       CodeIdentExists,
		registry.ErrJobNotFound:       CodeJobNotFound,
		registry.ErrAlreadyRegistered: CodeAlreadyRegistered,
		registry.ErrDuplicateNode:     CodeDuplicateNode,
	}
	for err, want := range cases {
		if got := CodeFor(err); got != want {
			t.Errorf("CodeFor(%v) = %q, want %q", err, got, want)
		}
	}
	if got := CodeFor(json.Unmarshal([]byte("{"), &struct{}{})); got != CodeBadRequest {
		t.Errorf("CodeFor(unknown) = %q, want bad_request", got)
	}
}
