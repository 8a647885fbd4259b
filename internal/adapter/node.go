// Copyright 2026 The Caravel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/sftp"

	"github.com/caravel-vm/caravel/internal/types"
	"github.com/caravel-vm/caravel/internal/util/ssh"
	"github.com/caravel-vm/caravel/pkg/pveconf"
)

var (
	ErrNodeConnect = errors.New("connecting to node")
	ErrNoFreeSlot  = errors.New("no free disk slot")

	errNodeRead    = errors.New("reading file on node")
	errNodeWrite   = errors.New("writing file on node")
	errNodeStat    = errors.New("stat on node")
	errNodeMkdir   = errors.New("creating directory on node")
	errNodeGlob    = errors.New("globbing on node")
	errNodeCommand = errors.New("running command on node")
)

// busSlots is the slot capacity per disk bus of the qemu-server config
// schema (ide0..3, sata0..5, scsi0..30, nvme0..7).
var busSlots = map[types.Bus]int{
	types.BusIDE:  4,
	types.BusSATA: 6,
	types.BusSCSI: 31,
	types.BusNVMe: 8,
}

// --------------------------------------------------- INTERFACES --------------------------------------------------- //

// Node is one connected hypervisor node. File paths are absolute on the
// node; every call honors its context before touching the channel.
type Node interface {
	// ReadTextFile reads a whole file as text.
	ReadTextFile(ctx context.Context, path string) (string, error)
	// WriteTextFile replaces a file's content with text.
	WriteTextFile(ctx context.Context, path, text string) error
	// EnsureDirectory creates a directory and any missing parents.
	EnsureDirectory(ctx context.Context, path string) error
	// DirectoryExists reports whether path exists and is a directory.
	DirectoryExists(ctx context.Context, path string) (bool, error)
	// FileSize returns a file's size in bytes.
	FileSize(ctx context.Context, path string) (int64, error)
	// Glob lists the regular files under root whose name matches the
	// case-insensitive pattern, following symlinks.
	Glob(ctx context.Context, root, pattern string) ([]string, error)
	// VMIDInUse reports whether a vmid already owns a guest configuration
	// anywhere in the cluster.
	VMIDInUse(ctx context.Context, vmid int) (bool, error)
	// FirstFreeDiskSlot returns the lowest unused slot of a bus in the
	// vmid's configuration, or ErrNoFreeSlot.
	FirstFreeDiskSlot(ctx context.Context, vmid int, bus types.Bus) (int, error)
	// AttachDisk allocates a fresh disk of sizeGiB on storage and attaches
	// it at bus/slot.
	AttachDisk(ctx context.Context, vmid int, bus types.Bus, slot int, storage string, sizeGiB int64) error
	// SetCDROM mounts a removable-media volume on the config's ide2 slot.
	SetCDROM(ctx context.Context, vmid int, volid string) error
	// AddEFIVars attaches a firmware-variables disk on storage.
	AddEFIVars(ctx context.Context, vmid int, storage string) error
	// ConfigPath returns the guest configuration path of a vmid on this
	// node.
	ConfigPath(vmid int) string

	Close() error
}

// Connector dials hypervisor nodes. The caller owns the returned Node and
// must Close it.
type Connector interface {
	Connect(ctx context.Context, cluster types.Cluster, node string) (Node, error)
}

// nodeTransport is the remote channel a connected node is driven through,
// satisfied by the SSH/SFTP pair and by test fakes.
type nodeTransport interface {
	Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	MkdirAll(path string) error
	Stat(path string) (os.FileInfo, error)
	Glob(pattern string) ([]string, error)
	Close() error
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewConnector returns a Connector running commands over SSH and moving
// files over SFTP on the same connection.
func NewConnector() Connector {
	return &sshConnector{}
}

type sshConnector struct{}

func (sshConnector) Connect(
	ctx context.Context,
	cluster types.Cluster,
	node string,
) (Node, error) {
	port := ""
	if cluster.Port > 0 {
		port = strconv.Itoa(cluster.Port)
	}

	client, err := ssh.NewClient(cluster.Host, cluster.User, port, cluster.Password, cluster.KeyPath)
	if err != nil {
		return nil, errors.Join(err, ErrNodeConnect)
	}

	conn, err := client.Dial(ctx)
	if err != nil {
		return nil, errors.Join(err, ErrNodeConnect)
	}

	files, err := conn.SFTP()
	if err != nil {
		_ = conn.Close()

		return nil, errors.Join(err, ErrNodeConnect)
	}

	return &sshNode{
		name:      node,
		transport: &sshTransport{conn: conn, files: files},
	}, nil
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type sshNode struct {
	name      string
	transport nodeTransport
}

func (n *sshNode) ReadTextFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, err := n.transport.ReadFile(path)
	if err != nil {
		return "", errors.Join(fmt.Errorf("path %q", path), err, errNodeRead)
	}

	return string(raw), nil
}

func (n *sshNode) WriteTextFile(ctx context.Context, path, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.transport.WriteFile(path, []byte(text)); err != nil {
		return errors.Join(fmt.Errorf("path %q", path), err, errNodeWrite)
	}

	return nil
}

func (n *sshNode) EnsureDirectory(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.transport.MkdirAll(path); err != nil {
		return errors.Join(fmt.Errorf("path %q", path), err, errNodeMkdir)
	}

	return nil
}

func (n *sshNode) DirectoryExists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	info, err := n.transport.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, errors.Join(fmt.Errorf("path %q", path), err, errNodeStat)
	}

	return info.IsDir(), nil
}

func (n *sshNode) FileSize(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := n.transport.Stat(path)
	if err != nil {
		return 0, errors.Join(fmt.Errorf("path %q", path), err, errNodeStat)
	}

	return info.Size(), nil
}

func (n *sshNode) Glob(ctx context.Context, root, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdout, stderr, err := n.transport.Run(ctx,
		"find", "-L", root, "-iname", pattern, "-type", "f")
	if err != nil {
		return nil, errors.Join(runError(stderr, err), errNodeGlob)
	}

	var paths []string

	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}

	return paths, nil
}

// VMIDInUse checks every node's guest configuration directories: the
// configuration filesystem is cluster-wide, so a vmid owned by another node
// still collides.
func (n *sshNode) VMIDInUse(ctx context.Context, vmid int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	for _, pattern := range []string{
		fmt.Sprintf("/etc/pve/nodes/*/qemu-server/%d.conf", vmid),
		fmt.Sprintf("/etc/pve/nodes/*/lxc/%d.conf", vmid),
	} {
		matches, err := n.transport.Glob(pattern)
		if err != nil {
			return false, errors.Join(err, errNodeGlob)
		}

		if len(matches) > 0 {
			return true, nil
		}
	}

	return false, nil
}

func (n *sshNode) FirstFreeDiskSlot(
	ctx context.Context,
	vmid int,
	bus types.Bus,
) (int, error) {
	capacity, ok := busSlots[bus]
	if !ok {
		return 0, errors.Join(fmt.Errorf("unknown bus %q", bus), ErrNoFreeSlot)
	}

	text, err := n.ReadTextFile(ctx, n.ConfigPath(vmid))
	if err != nil {
		return 0, err
	}

	for slot := 0; slot < capacity; slot++ {
		if _, used := pveconf.Value(text, fmt.Sprintf("%s%d", bus, slot)); !used {
			return slot, nil
		}
	}

	return 0, errors.Join(fmt.Errorf("bus %q full on vmid %d", bus, vmid), ErrNoFreeSlot)
}

func (n *sshNode) AttachDisk(
	ctx context.Context,
	vmid int,
	bus types.Bus,
	slot int,
	storage string,
	sizeGiB int64,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, stderr, err := n.transport.Run(ctx,
		"qm", "set", strconv.Itoa(vmid),
		fmt.Sprintf("--%s%d", bus, slot),
		fmt.Sprintf("%s:%d", storage, sizeGiB),
	)
	if err != nil {
		return runError(stderr, err)
	}

	return nil
}

func (n *sshNode) SetCDROM(ctx context.Context, vmid int, volid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, stderr, err := n.transport.Run(ctx,
		"qm", "set", strconv.Itoa(vmid), "--ide2", volid+",media=cdrom")
	if err != nil {
		return runError(stderr, err)
	}

	return nil
}

func (n *sshNode) AddEFIVars(ctx context.Context, vmid int, storage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, stderr, err := n.transport.Run(ctx,
		"qm", "set", strconv.Itoa(vmid), "--efidisk0", storage+":1,efitype=4m")
	if err != nil {
		return runError(stderr, err)
	}

	return nil
}

func (n *sshNode) ConfigPath(vmid int) string {
	return fmt.Sprintf("/etc/pve/nodes/%s/qemu-server/%d.conf", n.name, vmid)
}

func (n *sshNode) Close() error {
	return n.transport.Close()
}

// runError keeps the remote stderr visible in the error chain; the exit
// error alone rarely says what went wrong.
func runError(stderr string, err error) error {
	if s := strings.TrimSpace(stderr); s != "" {
		return errors.Join(errors.New(s), err, errNodeCommand)
	}

	return errors.Join(err, errNodeCommand)
}

// --------------------------------------------- SSH TRANSPORT ------------------------------------------------------- //

type sshTransport struct {
	conn  *ssh.Conn
	files *sftp.Client
}

func (t *sshTransport) Run(ctx context.Context, cmd ...string) (string, string, error) {
	return t.conn.Run(ctx, cmd...)
}

func (t *sshTransport) ReadFile(path string) ([]byte, error) {
	f, err := t.files.Open(path)
	if err != nil {
		return nil, err
	}

	defer func() { _ = f.Close() }()

	return io.ReadAll(f)
}

func (t *sshTransport) WriteFile(path string, data []byte) error {
	f, err := t.files.Create(path)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()

		return err
	}

	// The cluster configuration filesystem reports write failures at
	// close time.
	return f.Close()
}

func (t *sshTransport) MkdirAll(path string) error {
	return t.files.MkdirAll(path)
}

func (t *sshTransport) Stat(path string) (os.FileInfo, error) {
	return t.files.Stat(path)
}

func (t *sshTransport) Glob(pattern string) ([]string, error) {
	return t.files.Glob(pattern)
}

func (t *sshTransport) Close() error {
	err := t.files.Close()

	return errors.Join(err, t.conn.Close())
}
