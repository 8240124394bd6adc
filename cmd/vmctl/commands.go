package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/onkernel/vmkit/cmd/vmctl/config"
	"github.com/onkernel/vmkit/lib/owner"
	"github.com/onkernel/vmkit/lib/vm"
	"github.com/onkernel/vmkit/lib/vmconfig"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vmctl",
		Short: "Manage application VMs",
		Long: `vmctl creates, runs and deletes the VMs of one owning application.

The owner is described by VMKIT_PACKAGE, VMKIT_APK, VMKIT_CERTS and
VMKIT_FILES_DIR. VMs run on the virtualization service listening on
VMKIT_SERVICE_SOCKET.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newCreateCmd(),
		newRunCmd(),
		newStatusCmd(),
		newListCmd(),
		newDeleteCmd(),
		newSetConfigCmd(),
		newCapsCmd(),
		newServiceCmd(),
	)
	return root
}

// vmFlags are the builder settings accepted by create and set-config.
type vmFlags struct {
	cpus      int
	memory    string
	debug     string
	protected bool
	affinity  string
	payload   string
}

func (f *vmFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.cpus, "cpus", 0, "number of vCPUs (default VMKIT_DEFAULT_CPUS)")
	cmd.Flags().StringVar(&f.memory, "memory", "", "guest memory, e.g. 512MB (default VMKIT_DEFAULT_MEMORY)")
	cmd.Flags().StringVar(&f.debug, "debug", "none", "debug level: none, app_only or full")
	cmd.Flags().BoolVar(&f.protected, "protected", false, "run as a protected VM")
	cmd.Flags().StringVar(&f.affinity, "affinity", "", "CPU affinity, e.g. 0-3 or 0=0:1=1")
	cmd.Flags().StringVar(&f.payload, "payload", "assets/vm_config.json", "payload descriptor path inside the package archive")
}

// builder starts from base, or from cfg defaults when base is nil, and
// applies the flags the user set.
func (f *vmFlags) builder(cmd *cobra.Command, app owner.App, cfg *config.Config, base *vmconfig.Config) (*vmconfig.Builder, error) {
	changed := cmd.Flags().Changed

	payload := f.payload
	if base != nil && !changed("payload") {
		payload = base.PayloadConfigPath()
	}
	b := vmconfig.NewBuilder(app, payload)

	if base != nil {
		b.DebugLevel(base.DebugLevel()).
			ProtectedVM(base.ProtectedVM()).
			MemoryMiB(base.MemoryMiB()).
			NumCPUs(base.NumCPUs()).
			CPUAffinity(base.CPUAffinity())
	} else {
		mib, err := cfg.DefaultMemoryMiB()
		if err != nil {
			return nil, err
		}
		b.MemoryMiB(mib).NumCPUs(cfg.DefaultCPUs)
	}

	if base == nil || changed("debug") {
		level, err := vmconfig.ParseDebugLevel(f.debug)
		if err != nil {
			return nil, err
		}
		b.DebugLevel(level)
	}
	if changed("protected") {
		b.ProtectedVM(f.protected)
	}
	if changed("memory") {
		mib, err := config.ParseMemoryMiB(f.memory)
		if err != nil {
			return nil, err
		}
		b.MemoryMiB(mib)
	}
	if changed("cpus") {
		b.NumCPUs(f.cpus)
	}
	if changed("affinity") {
		b.CPUAffinity(f.affinity)
	}
	return b, nil
}

func newCreateCmd() *cobra.Command {
	var flags vmFlags
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *application) error {
				b, err := flags.builder(cmd, app.Owner, app.Config, nil)
				if err != nil {
					return err
				}
				cfg, err := b.Build(ctx)
				if err != nil {
					return err
				}
				v, err := app.Manager.Create(ctx, args[0], cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s in %s\n", v.Name(), v.Dir())
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newSetConfigCmd() *cobra.Command {
	var flags vmFlags
	cmd := &cobra.Command{
		Use:   "set-config NAME",
		Short: "Change the hardware shape of a stopped VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *application) error {
				v, err := mustGet(ctx, app, args[0])
				if err != nil {
					return err
				}
				b, err := flags.builder(cmd, app.Owner, app.Config, v.Config())
				if err != nil {
					return err
				}
				cfg, err := b.Build(ctx)
				if err != nil {
					return err
				}
				if _, err := v.SetConfig(ctx, cfg); err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), describeConfig(cfg))
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Run a VM until it dies or vmctl is interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *application) error {
				v, err := mustGet(ctx, app, args[0])
				if err != nil {
					return err
				}
				return runVM(ctx, v, cmd.OutOrStdout(), console)
			})
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "copy the guest console to stdout")
	return cmd
}

// runVM runs v and blocks until the guest dies or ctx ends, then stops it.
func runVM(ctx context.Context, v *vm.VirtualMachine, out io.Writer, console bool) error {
	ex := vm.NewSerialExecutor()
	defer ex.Close()

	died := make(chan vm.DeathReason, 1)
	v.SetCallback(ex, vm.CallbackFuncs{
		PayloadStarted: func(_ *vm.VirtualMachine, stream io.ReadCloser) {
			fmt.Fprintln(out, "payload started")
			if stream != nil {
				go func() {
					defer stream.Close()
					io.Copy(out, stream)
				}()
			}
		},
		PayloadReady: func(*vm.VirtualMachine) {
			fmt.Fprintln(out, "payload ready")
		},
		PayloadFinished: func(_ *vm.VirtualMachine, exitCode int) {
			fmt.Fprintf(out, "payload finished with exit code %d\n", exitCode)
		},
		Error: func(_ *vm.VirtualMachine, code vm.ErrorCode, message string) {
			fmt.Fprintf(out, "payload error %d: %s\n", code, message)
		},
		Died: func(_ *vm.VirtualMachine, reason vm.DeathReason) {
			died <- reason
		},
	})
	defer v.ClearCallback()

	if err := v.Run(ctx); err != nil {
		return err
	}

	if console {
		r, err := v.ConsoleOutput()
		if err != nil {
			return err
		}
		go io.Copy(out, r)
	}

	var result error
	select {
	case reason := <-died:
		fmt.Fprintf(out, "vm died: %s\n", reason)
	case <-ctx.Done():
		fmt.Fprintln(out, "interrupted, stopping vm")
	}

	// Stop must not inherit the cancelled signal context
	if err := v.Stop(context.WithoutCancel(ctx)); err != nil {
		result = err
	}
	return result
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show a VM's status and config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *application) error {
				v, err := mustGet(ctx, app, args[0])
				if err != nil {
					return err
				}
				st, err := v.Status(ctx)
				if err != nil {
					return err
				}
				desc := map[string]any{
					"name":   v.Name(),
					"status": st.String(),
					"dir":    v.Dir(),
					"config": describeConfig(v.Config()),
				}
				if cid, ok, err := v.CID(ctx); err == nil && ok {
					desc["cid"] = cid
				}
				return printYAML(cmd.OutOrStdout(), desc)
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List VMs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *application) error {
				names, err := app.Manager.List(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, name := range names {
					status := "corrupted"
					if v, err := app.Manager.Get(ctx, name); err == nil && v != nil {
						if st, err := v.Status(ctx); err == nil {
							status = st.String()
						}
					}
					fmt.Fprintf(out, "%s\t%s\n", name, status)
				}
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stopped VM and its instance secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *application) error {
				if err := app.Manager.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newCapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Show the VM shapes this host supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *application) error {
				return printYAML(cmd.OutOrStdout(), app.Manager.Capabilities())
			})
		},
	}
}

func mustGet(ctx context.Context, app *application, name string) (*vm.VirtualMachine, error) {
	v, err := app.Manager.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &vm.OpError{Op: "get", VM: name, Err: vm.ErrNotFound}
	}
	return v, nil
}

func describeConfig(c *vmconfig.Config) map[string]any {
	return map[string]any{
		"apk_path":            c.APKPath(),
		"payload_config_path": c.PayloadConfigPath(),
		"debug_level":         c.DebugLevel().String(),
		"protected_vm":        c.ProtectedVM(),
		"memory_mib":          c.MemoryMiB(),
		"num_cpus":            c.NumCPUs(),
		"cpu_affinity":        c.CPUAffinity(),
	}
}

func printYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

