package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testInvite() *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "10.0.0.2", Port: 5060})

	fromParams := sip.NewParams()
	fromParams.Add("tag", "local-tag")
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.1"}, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.2"}, Params: sip.NewParams()})

	callID := sip.CallIDHeader("call-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.1", Port: 5060}})
	return req
}

func TestBuildACKFor2xx(t *testing.T) {
	invite := testInvite()
	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	res.To().Params.Add("tag", "remote-tag")
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.9", Port: 5070}})

	ack := buildACKFor2xx(invite, res)

	if ack.Method != sip.ACK {
		t.Errorf("method = %s, want ACK", ack.Method)
	}
	if ack.Recipient.Host != "10.0.0.9" || ack.Recipient.Port != 5070 {
		t.Errorf("recipient = %s, want the response contact", ack.Recipient.String())
	}
	if cseq := ack.CSeq(); cseq == nil || cseq.SeqNo != 1 || cseq.MethodName != sip.ACK {
		t.Errorf("cseq = %v", ack.CSeq())
	}
	if got := tagOf(ack.To().Params); got != "remote-tag" {
		t.Errorf("to tag = %q, want remote-tag", got)
	}
	if got := tagOf(ack.From().Params); got != "local-tag" {
		t.Errorf("from tag = %q, want local-tag", got)
	}
	if ack.CallID() == nil || ack.CallID().Value() != "call-1" {
		t.Errorf("call-id = %v", ack.CallID())
	}
	if invite.CSeq().MethodName != sip.INVITE {
		t.Error("building the ACK modified the INVITE's CSeq")
	}
}

func TestBuildCancel(t *testing.T) {
	invite := testInvite()
	cancel := buildCancel(invite)

	if cancel.Method != sip.CANCEL {
		t.Errorf("method = %s, want CANCEL", cancel.Method)
	}
	if cancel.Recipient.Host != "10.0.0.2" {
		t.Errorf("recipient = %s, want the INVITE's", cancel.Recipient.String())
	}
	if cseq := cancel.CSeq(); cseq == nil || cseq.SeqNo != 1 || cseq.MethodName != sip.CANCEL {
		t.Errorf("cseq = %v", cancel.CSeq())
	}
	if got := tagOf(cancel.To().Params); got != "" {
		t.Errorf("to tag = %q, want none", got)
	}
	if cancel.CallID().Value() != "call-1" {
		t.Errorf("call-id = %q", cancel.CallID().Value())
	}
}

func TestNewDialogRequest(t *testing.T) {
	l := &leg{
		callID:    "call-9",
		localURI:  sip.Uri{User: "me", Host: "10.0.0.1"},
		localTag:  "mine",
		remoteURI: sip.Uri{User: "you", Host: "10.0.0.7"},
		remoteTag: "yours",
		target:    sip.Uri{User: "you", Host: "10.0.0.7", Port: 5080},
		dest:      "10.0.0.7:5080",
		transport: "UDP",
		cseq:      1,
	}

	bye := newDialogRequest(l, sip.BYE)
	info := newDialogRequest(l, sip.INFO)

	if bye.Recipient.Port != 5080 || bye.Recipient.User != "you" {
		t.Errorf("recipient = %s", bye.Recipient.String())
	}
	if got := tagOf(bye.From().Params); got != "mine" {
		t.Errorf("from tag = %q", got)
	}
	if got := tagOf(bye.To().Params); got != "yours" {
		t.Errorf("to tag = %q", got)
	}
	if cseq := bye.CSeq(); cseq.SeqNo != 2 || cseq.MethodName != sip.BYE {
		t.Errorf("bye cseq = %d %s", cseq.SeqNo, cseq.MethodName)
	}
	if cseq := info.CSeq(); cseq.SeqNo != 3 || cseq.MethodName != sip.INFO {
		t.Errorf("info cseq = %d %s", cseq.SeqNo, cseq.MethodName)
	}
	if bye.Destination() != "10.0.0.7:5080" {
		t.Errorf("destination = %q", bye.Destination())
	}
	if bye.CallID().Value() != "call-9" {
		t.Errorf("call-id = %q", bye.CallID().Value())
	}
}
