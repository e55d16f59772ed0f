package classify

import (
	"testing"

	"github.com/hazyhaar/webtex/dom"
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// observe parses markup, subscribes, and returns the document with a
// function that flushes and returns the next batch.
func observe(t *testing.T, markup string) (*dom.Document, func() mutation.Batch) {
	t.Helper()
	d, err := dom.ParseString(markup, "example.org")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var last mutation.Batch
	if err := d.Observe(host.DefaultScope, func(b mutation.Batch) { last = b }); err != nil {
		t.Fatalf("observe: %v", err)
	}
	return d, func() mutation.Batch {
		t.Helper()
		last = mutation.Batch{}
		d.Flush()
		return last
	}
}

func TestClassify_Structural(t *testing.T) {
	d, next := observe(t, `<body><div id="c"></div></body>`)
	added, _ := d.AppendHTML(d.ElementByID("c"), `<section>$x$</section>`)
	res := New(d).Classify(next())
	if res.Class != Structural {
		t.Fatalf("class: got %s, want structural", res.Class)
	}
	if im := res.Immediate(); len(im) != 1 || im[0] != added[0] {
		t.Errorf("immediate: got %v, want %v", im, added)
	}
	if !res.Dynamic {
		t.Error("inserted block container should look dynamic")
	}
}

func TestClassify_AddedTextEscalatesToParent(t *testing.T) {
	d, next := observe(t, `<body><p id="p"></p></body>`)
	p := d.ElementByID("p")
	_, _ = d.AppendText(p, "plain words")
	res := New(d).Classify(next())
	if im := res.Immediate(); len(im) != 1 || im[0] != p {
		t.Fatalf("immediate: got %v, want [%d]", im, p)
	}
	if res.Dynamic {
		t.Error("plain text is not dynamic")
	}
}

func TestClassify_TextEditEscalatesToParent(t *testing.T) {
	d, next := observe(t, `<body><p id="p">old</p></body>`)
	p := d.ElementByID("p")
	text := d.Children(p)[0]
	_ = d.SetText(text, "now $x$")
	res := New(d).Classify(next())
	if res.Class != TextEdit {
		t.Fatalf("class: got %s", res.Class)
	}
	if im := res.Immediate(); len(im) != 1 || im[0] != p {
		t.Errorf("immediate: got %v, want [%d]", im, p)
	}
}

func TestClassify_AttributeIsDeferred(t *testing.T) {
	d, next := observe(t, `<body><div id="d" hidden>$x$</div></body>`)
	el := d.ElementByID("d")
	_ = d.RemoveAttr(el, "hidden")
	res := New(d).Classify(next())
	if res.Class != Attribute {
		t.Fatalf("class: got %s, want attribute", res.Class)
	}
	if len(res.Immediate()) != 0 || len(res.Deferred()) != 1 {
		t.Errorf("got immediate %v deferred %v", res.Immediate(), res.Deferred())
	}
}

func TestClassify_RippleNoise(t *testing.T) {
	d, next := observe(t, `<body><button id="b">ok</button></body>`)
	b := d.ElementByID("b")
	added, _ := d.AppendHTML(b, `<span class="mat-ripple-element"></span>`)
	res := New(d).Classify(next())
	if res.Class != Ripple || len(res.Escalations) != 0 {
		t.Fatalf("got %+v, want ripple with nothing escalated", res)
	}
	_ = d.Remove(added[0])
	if res := New(d).Classify(next()); !res.Class.Discard() {
		t.Errorf("ripple removal: got %s", res.Class)
	}
}

func TestClassify_ExtraRippleClass(t *testing.T) {
	d, next := observe(t, `<body><div id="c"></div></body>`)
	_, _ = d.AppendHTML(d.ElementByID("c"), `<div class="my-glow"></div>`)
	if res := New(d, "my-glow").Classify(next()); res.Class != Ripple {
		t.Fatalf("got %s, want ripple", res.Class)
	}
}

func TestClassify_Typing(t *testing.T) {
	d, next := observe(t, `<body><div id="e" contenteditable="true">a</div><div id="o"></div></body>`)
	e := d.ElementByID("e")
	d.Focus(e)
	_ = d.SetText(d.Children(e)[0], "a $x$")
	_, _ = d.AppendText(e, "more")
	res := New(d).Classify(next())
	if res.Class != Typing || len(res.Escalations) != 0 {
		t.Fatalf("got %+v, want typing", res)
	}
}

func TestClassify_TypingLosesToOutsideInsert(t *testing.T) {
	d, next := observe(t, `<body><div id="e" contenteditable="true">a</div><div id="o"></div></body>`)
	e, o := d.ElementByID("e"), d.ElementByID("o")
	d.Focus(e)
	_ = d.SetText(d.Children(e)[0], "a b")
	added, _ := d.AppendHTML(o, `<p>$y$</p>`)
	res := New(d).Classify(next())
	if res.Class != Structural {
		t.Fatalf("class: got %s, want structural", res.Class)
	}
	im := res.Immediate()
	if len(im) != 1 || im[0] != added[0] {
		t.Errorf("immediate: got %v, want only the outside insert %v", im, added)
	}
}

func TestClassify_Selecting(t *testing.T) {
	d, next := observe(t, `<body><div id="d" class="a">x</div></body>`)
	d.Select(true)
	_ = d.SetAttr(d.ElementByID("d"), "class", "b")
	if res := New(d).Classify(next()); res.Class != Selecting {
		t.Fatalf("got %s, want user-selecting", res.Class)
	}
}

func TestClassify_SelectionDoesNotBlockStructural(t *testing.T) {
	d, next := observe(t, `<body><div id="c"></div></body>`)
	d.Select(true)
	_, _ = d.AppendHTML(d.ElementByID("c"), `<p>$x$</p>`)
	if res := New(d).Classify(next()); res.Class != Structural {
		t.Fatalf("got %s, want structural", res.Class)
	}
}

func TestClassify_RemovalOnly(t *testing.T) {
	d, next := observe(t, `<body><p id="p">x</p></body>`)
	p := d.ElementByID("p")
	_ = d.Remove(p)
	res := New(d).Classify(next())
	if res.Class != None || len(res.Escalations) != 0 {
		t.Fatalf("got %+v, want none", res)
	}
	if len(res.Removed) != 1 || res.Removed[0] != p {
		t.Errorf("removed: %v", res.Removed)
	}
}
