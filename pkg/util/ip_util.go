package util

import (
	"fmt"
	"regexp"
	"strings"
)

// dottedQuad matches a bare IPv4 address. It does not check octet ranges, so
// version strings like 1.2.3.4 match as well. Kubeconfigs written by k3s only
// carry addresses in the server field.
var dottedQuad = regexp.MustCompile(`\b([0-9]{1,3}\.){3}[0-9]{1,3}\b`)

// sedDottedQuad is dottedQuad in sed extended syntax.
const sedDottedQuad = `(\b[0-9]{1,3}\.){3}[0-9]{1,3}\b`

// ReplaceIPv4 replaces every dotted-quad in content with addr.
func ReplaceIPv4(content, addr string) string {
	return dottedQuad.ReplaceAllLiteralString(content, addr)
}

// SedReplaceIPv4 returns a sed command that performs ReplaceIPv4 on the given
// file in place.
func SedReplaceIPv4(file, addr string) string {
	return fmt.Sprintf("sed -i -r 's/%s/%s/g' %s", sedDottedQuad, sedReplacementEscaper.Replace(addr), file)
}

var sedReplacementEscaper = strings.NewReplacer(`\`, `\\`, `/`, `\/`, `&`, `\&`)
