package healthkit

import "testing"

func TestElementKind_StringMatchesTag(t *testing.T) {
	t.Parallel()

	for tag, kind := range kindByTag {
		if got := kind.String(); got != tag {
			t.Fatalf("%v.String()=%q, want %q", kind, got, tag)
		}
		if got := Classify(kind.String()); got != kind {
			t.Fatalf("Classify(%q)=%v, want %v", kind.String(), got, kind)
		}
	}
	if got := ElementKind(200).String(); got != "Other" {
		t.Fatalf("unknown kind String()=%q, want Other", got)
	}
}
