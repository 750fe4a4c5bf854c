package shell

import (
	"context"
	"errors"
	"testing"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name   string
		sudo   bool
		chroot string
		cmd    string
		want   string
	}{
		{
			name: "plain command",
			cmd:  "zfs list -H",
			want: "zfs list -H",
		},
		{
			name: "sudo only",
			sudo: true,
			cmd:  "zfs list -H",
			want: "sudo zfs list -H",
		},
		{
			name:   "chroot only",
			chroot: "/host",
			cmd:    "zfs list -H",
			want:   "chroot /host zfs list -H",
		},
		{
			name:   "sudo and chroot",
			sudo:   true,
			chroot: "/host",
			cmd:    "zfs list -H",
			want:   "sudo chroot /host zfs list -H",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildCommand(tt.sudo, tt.chroot, tt.cmd)
			if got != tt.want {
				t.Errorf("BuildCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecChecked(t *testing.T) {
	tr := NewLocal(false)

	output, err := ExecChecked(context.Background(), tr, "echo hello")
	if err != nil {
		t.Fatalf("ExecChecked() unexpected error: %v", err)
	}
	if output != "hello\n" {
		t.Errorf("ExecChecked() output = %q, want %q", output, "hello\n")
	}
}

func TestExecCheckedFailure(t *testing.T) {
	tr := NewLocal(false)

	_, err := ExecChecked(context.Background(), tr, "echo doomed >&2; exit 3")
	if err == nil {
		t.Fatal("ExecChecked() expected error, got nil")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("ExecChecked() error type = %T, want *CommandError", err)
	}
	if cmdErr.Code != 3 {
		t.Errorf("CommandError.Code = %d, want 3", cmdErr.Code)
	}
	if cmdErr.Output != "\ndoomed" {
		t.Errorf("CommandError.Output = %q, want %q", cmdErr.Output, "\ndoomed")
	}
}

func TestCombineOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		stderr string
		want   string
	}{
		{
			name:   "stdout only",
			stdout: "out\n",
			want:   "out\n",
		},
		{
			name:   "both streams",
			stdout: "out\n",
			stderr: "err\n",
			want:   "out\nerr",
		},
		{
			name: "empty",
			want: "\n",
		},
		{
			name:   "trailing whitespace stripped",
			stdout: "out  \t\n\n",
			stderr: "err\r\n",
			want:   "out\nerr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := combineOutput([]byte(tt.stdout), []byte(tt.stderr))
			if got != tt.want {
				t.Errorf("combineOutput() = %q, want %q", got, tt.want)
			}
		})
	}
}
