// Package store implements C3's persistence half: the single-XML-file
// load/save described in spec §4.3, including the exclusive-advisory-lock
// + mtime-conflict-detection algorithm and the five-stage load.
package store

import "encoding/xml"

type xmlDocument struct {
	XMLName    xml.Name      `xml:"qubes"`
	Version    string        `xml:"version,attr"`
	Labels     []xmlLabel    `xml:"labels>label"`
	Pools      []xmlPool     `xml:"pools>pool"`
	Properties []xmlProperty `xml:"properties>property"`
	Domains    []xmlDomain   `xml:"domains>domain"`
}

type xmlLabel struct {
	Index int    `xml:"id,attr"`
	Color string `xml:"color,attr"`
	Name  string `xml:",chardata"`
}

type xmlKV struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type xmlPool struct {
	Name   string  `xml:"name,attr"`
	Driver string  `xml:"driver,attr"`
	Config []xmlKV `xml:"config>entry"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlDomain struct {
	ID         string            `xml:"id,attr"`
	Class      string            `xml:"class,attr"`
	Properties []xmlProperty     `xml:"properties>property"`
	Features   []xmlKV           `xml:"features>feature"`
	Tags       []string          `xml:"tags>tag"`
	Devices    []xmlDeviceClass  `xml:"devices>class"`
	Volumes    []xmlVolume       `xml:"volumes>volume"`
	Firewall   []xmlFirewallRule `xml:"firewall>rule"`
}

type xmlDeviceClass struct {
	Name        string                `xml:"name,attr"`
	Assignments []xmlDeviceAssignment `xml:"assign"`
}

type xmlDeviceAssignment struct {
	Backend    string  `xml:"backend,attr"`
	Ident      string  `xml:"ident,attr"`
	Persistent bool    `xml:"persistent,attr"`
	Options    []xmlKV `xml:"option"`
}

type xmlVolume struct {
	Name        string `xml:"name,attr"`
	Pool        string `xml:"pool,attr"`
	SizeKiB     int64  `xml:"size_kib,attr"`
	SnapOnStart bool   `xml:"snap_on_start,attr"`
	SaveOnStop  bool   `xml:"save_on_stop,attr"`
	Source      string `xml:"source,attr,omitempty"`
}

type xmlFirewallRule struct {
	Action   string `xml:"action,attr"`
	Proto    string `xml:"proto,attr,omitempty"`
	DstHost  string `xml:"dsthost,attr,omitempty"`
	DstPorts string `xml:"dstports,attr,omitempty"`
	Comment  string `xml:"comment,attr,omitempty"`
}
